// Package state defines the durable checkpoint store contract. A checkpoint
// is a snapshot of a session's agent state at a cycle boundary; checkpoints
// form a parent-pointer tree per (thread_id, namespace) and the latest one is
// the resume point.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/concordhq/agentcore/types"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type Checkpoint struct {
	ThreadID     string            `json:"threadId"`
	Namespace    string            `json:"namespace"`
	CheckpointID string            `json:"checkpointId"`
	ParentID     string            `json:"parentId,omitempty"`
	State        types.AgentState  `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// PendingWrite is one channel write recorded alongside a checkpoint. Writes
// are durable before (or atomically with) the checkpoint row they belong to.
type PendingWrite struct {
	TaskID  string `json:"taskId"`
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Blob    []byte `json:"blob"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists checkpoints per (thread_id, namespace). Put is atomic:
// readers observe the checkpoint row and all its writes together or not at
// all. Concurrent puts for the same pair serialize on the pair.
type Store interface {
	Put(ctx context.Context, checkpoint Checkpoint, writes []PendingWrite) error
	GetLatest(ctx context.Context, threadID, namespace string) (Checkpoint, error)
	List(ctx context.Context, threadID, namespace string) ([]Checkpoint, error)
	GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]PendingWrite, error)

	EnsureSession(ctx context.Context, sessionID, userID string) (Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}
