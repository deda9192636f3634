package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func checkpoint(thread, id, parent string, msgs ...string) state.Checkpoint {
	st := types.NewAgentState("u1", thread, "user")
	for _, m := range msgs {
		st.Append(types.NewMessage(types.RoleUser, m))
	}
	return state.Checkpoint{
		ThreadID:     thread,
		CheckpointID: id,
		ParentID:     parent,
		State:        st,
		Metadata:     map[string]string{"source": "test"},
	}
}

func TestPutRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := checkpoint("t1", "c1", "", "hello", "world")
	writes := []state.PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Blob: []byte(`{"x":1}`)},
	}
	if err := s.Put(ctx, cp, writes); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetLatest(ctx, "t1", "")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got.CheckpointID != "c1" {
		t.Fatalf("expected c1, got %s", got.CheckpointID)
	}
	if len(got.State.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.State.Messages))
	}
	if got.State.Messages[0].Content != "hello" {
		t.Fatalf("unexpected first message %q", got.State.Messages[0].Content)
	}
	if got.State.Metadata[types.MetaSessionID] != "t1" {
		t.Fatalf("metadata lost: %v", got.State.Metadata)
	}
	if got.Metadata["source"] != "test" {
		t.Fatalf("checkpoint metadata lost: %v", got.Metadata)
	}

	w, err := s.GetWrites(ctx, "t1", "", "c1")
	if err != nil {
		t.Fatalf("get writes: %v", err)
	}
	if len(w) != 1 || w[0].Channel != "messages" {
		t.Fatalf("unexpected writes %+v", w)
	}
}

func TestPutConflictOnDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, checkpoint("t1", "c1", ""), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := s.Put(ctx, checkpoint("t1", "c1", ""), nil)
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetLatestMissingThread(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatest(context.Background(), "missing", "")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := ""
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.Put(ctx, checkpoint("t1", id, parent), nil); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
		parent = id
	}
	got, err := s.List(ctx, "t1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(got))
	}
	if got[0].CheckpointID != "c1" || got[2].CheckpointID != "c3" {
		t.Fatalf("wrong order: %s..%s", got[0].CheckpointID, got[2].CheckpointID)
	}
	if got[2].ParentID != "c2" {
		t.Fatalf("parent pointer lost: %s", got[2].ParentID)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.EnsureSession(ctx, "sess-1", "u1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sess.ID != "sess-1" || sess.UserID != "u1" {
		t.Fatalf("unexpected session %+v", sess)
	}

	// Idempotent: second ensure keeps the original row.
	again, err := s.EnsureSession(ctx, "sess-1", "other")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.UserID != "u1" {
		t.Fatalf("expected original user, got %s", again.UserID)
	}

	if err := s.Put(ctx, checkpoint("sess-1", "c1", "", "hi"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetLatest(ctx, "sess-1", ""); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected checkpoints cleared, got %v", err)
	}
}
