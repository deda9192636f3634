package redisstream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/concordhq/agentcore/observe"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sink, err := New(mr.Addr(), WithClient(client), WithStream("test:events"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink, mr
}

func TestEmitPublishesToStream(t *testing.T) {
	sink, mr := newTestSink(t)

	event := observe.Event{
		Name:      "approval_request_created",
		Kind:      observe.KindApproval,
		SessionID: "sess-1",
	}
	if err := sink.Emit(context.Background(), event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	entries, err := mr.Stream("test:events")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}

	values := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	if values["name"] != "approval_request_created" {
		t.Fatalf("unexpected name field %q", values["name"])
	}
	if values["kind"] != "approval" {
		t.Fatalf("unexpected kind field %q", values["kind"])
	}

	var decoded observe.Event
	if err := json.Unmarshal([]byte(values["payload"]), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.SessionID != "sess-1" {
		t.Fatalf("session id lost: %+v", decoded)
	}
	if decoded.ID == "" {
		t.Fatal("expected an assigned event id")
	}
}

func TestEmitMultiple(t *testing.T) {
	sink, mr := newTestSink(t)
	for i := 0; i < 3; i++ {
		if err := sink.Emit(context.Background(), observe.Event{Name: "tool_call_executing"}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	entries, err := mr.Stream("test:events")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
