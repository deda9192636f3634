package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/types"
)

func checkpoint(thread, ns, id, parent string) state.Checkpoint {
	st := types.NewAgentState("u1", thread, "user")
	st.Append(types.NewMessage(types.RoleUser, "hello"))
	return state.Checkpoint{
		ThreadID:     thread,
		Namespace:    ns,
		CheckpointID: id,
		ParentID:     parent,
		State:        st,
	}
}

func TestPutAndGetLatest(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetLatest(ctx, "t1", ""); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, checkpoint("t1", "", "c1", ""), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, checkpoint("t1", "", "c2", "c1"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	latest, err := s.GetLatest(ctx, "t1", "")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.CheckpointID != "c2" {
		t.Fatalf("expected latest c2, got %s", latest.CheckpointID)
	}
	if latest.ParentID != "c1" {
		t.Fatalf("expected parent c1, got %s", latest.ParentID)
	}
}

func TestPutConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, checkpoint("t1", "", "c1", ""), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := s.Put(ctx, checkpoint("t1", "", "c1", ""), nil)
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestListInsertionOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	ids := []string{"c1", "c2", "c3"}
	parent := ""
	for _, id := range ids {
		if err := s.Put(ctx, checkpoint("t1", "ns", id, parent), nil); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
		parent = id
	}
	got, err := s.List(ctx, "t1", "ns")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d checkpoints, got %d", len(ids), len(got))
	}
	for i, cp := range got {
		if cp.CheckpointID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], cp.CheckpointID)
		}
	}
}

func TestWritesVisibleWithCheckpoint(t *testing.T) {
	s := New()
	ctx := context.Background()
	writes := []state.PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Blob: []byte(`{"role":"user"}`)},
		{TaskID: "task-1", Idx: 1, Channel: "messages", Blob: []byte(`{"role":"assistant"}`)},
	}
	if err := s.Put(ctx, checkpoint("t1", "", "c1", ""), writes); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetWrites(ctx, "t1", "", "c1")
	if err != nil {
		t.Fatalf("get writes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(got))
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, checkpoint("t1", "a", "c1", ""), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.GetLatest(ctx, "t1", "b"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other namespace, got %v", err)
	}
}

func TestConcurrentPutsDistinctThreads(t *testing.T) {
	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	threads := []string{"t1", "t2", "t3", "t4"}
	for _, thread := range threads {
		wg.Add(1)
		go func(thread string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				cp := checkpoint(thread, "", thread+"-"+string(rune('a'+i)), "")
				if err := s.Put(ctx, cp, nil); err != nil {
					t.Errorf("put %s: %v", thread, err)
					return
				}
			}
		}(thread)
	}
	wg.Wait()
	for _, thread := range threads {
		got, err := s.List(ctx, thread, "")
		if err != nil {
			t.Fatalf("list %s: %v", thread, err)
		}
		if len(got) != 20 {
			t.Fatalf("thread %s: expected 20 checkpoints, got %d", thread, len(got))
		}
	}
}

func TestDeleteSessionClearsCheckpoints(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.EnsureSession(ctx, "t1", "u1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := s.Put(ctx, checkpoint("t1", "", "c1", ""), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteSession(ctx, "t1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetLatest(ctx, "t1", ""); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
