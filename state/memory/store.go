// Package memory provides an in-process checkpoint store. It honors the same
// atomicity and serialization contract as the durable stores and is the
// default in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/concordhq/agentcore/state"
)

type threadKey struct {
	threadID  string
	namespace string
}

type entry struct {
	checkpoint state.Checkpoint
	writes     []state.PendingWrite
	seq        int
}

type Store struct {
	mu       sync.RWMutex
	byThread map[threadKey][]entry
	byID     map[threadKey]map[string]int
	sessions map[string]state.Session
	nextSeq  int
}

func New() *Store {
	return &Store{
		byThread: map[threadKey][]entry{},
		byID:     map[threadKey]map[string]int{},
		sessions: map[string]state.Session{},
	}
}

func (s *Store) Put(ctx context.Context, checkpoint state.Checkpoint, writes []state.PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if checkpoint.ThreadID == "" || checkpoint.CheckpointID == "" {
		return fmt.Errorf("memory: thread id and checkpoint id are required")
	}
	key := threadKey{checkpoint.ThreadID, checkpoint.Namespace}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byID[key]
	if !ok {
		ids = map[string]int{}
		s.byID[key] = ids
	}
	if _, exists := ids[checkpoint.CheckpointID]; exists {
		return fmt.Errorf("memory: checkpoint %s: %w", checkpoint.CheckpointID, state.ErrConflict)
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	s.nextSeq++
	ids[checkpoint.CheckpointID] = len(s.byThread[key])
	s.byThread[key] = append(s.byThread[key], entry{
		checkpoint: cloneCheckpoint(checkpoint),
		writes:     append([]state.PendingWrite(nil), writes...),
		seq:        s.nextSeq,
	})
	return nil
}

func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (state.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return state.Checkpoint{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byThread[threadKey{threadID, namespace}]
	if len(entries) == 0 {
		return state.Checkpoint{}, fmt.Errorf("memory: thread %s: %w", threadID, state.ErrNotFound)
	}
	return cloneCheckpoint(entries[len(entries)-1].checkpoint), nil
}

func (s *Store) List(ctx context.Context, threadID, namespace string) ([]state.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byThread[threadKey{threadID, namespace}]
	out := make([]state.Checkpoint, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneCheckpoint(e.checkpoint))
	}
	sort.SliceStable(out, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return out, nil
}

func (s *Store) GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]state.PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := threadKey{threadID, namespace}
	idx, ok := s.byID[key][checkpointID]
	if !ok {
		return nil, fmt.Errorf("memory: checkpoint %s: %w", checkpointID, state.ErrNotFound)
	}
	return append([]state.PendingWrite(nil), s.byThread[key][idx].writes...), nil
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) (state.Session, error) {
	if err := ctx.Err(); err != nil {
		return state.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := state.Session{ID: sessionID, UserID: userID, CreatedAt: time.Now().UTC()}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	for key := range s.byThread {
		if key.threadID == sessionID {
			delete(s.byThread, key)
			delete(s.byID, key)
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

func cloneCheckpoint(in state.Checkpoint) state.Checkpoint {
	out := in
	out.State = in.State.Clone()
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

var _ state.Store = (*Store)(nil)
