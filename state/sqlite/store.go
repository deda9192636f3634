// Package sqlite implements the checkpoint store on an embedded sqlite
// database. The database runs in WAL mode on a single connection; every Put
// is one transaction so readers never observe a checkpoint without its
// writes.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, checkpoint state.Checkpoint, writes []state.PendingWrite) error {
	if checkpoint.ThreadID == "" || checkpoint.CheckpointID == "" {
		return fmt.Errorf("sqlite: thread id and checkpoint id are required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	meta, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE thread_id = ? AND namespace = ?;`,
		checkpoint.ThreadID, checkpoint.Namespace)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("failed to read checkpoint seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_id, seq, payload, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		checkpoint.ThreadID,
		checkpoint.Namespace,
		checkpoint.CheckpointID,
		nullable(checkpoint.ParentID),
		seq+1,
		string(payload),
		string(meta),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: checkpoint %s: %w", checkpoint.CheckpointID, state.ErrConflict)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	for _, w := range writes {
		_, err = tx.ExecContext(ctx, `
INSERT INTO checkpoint_writes (thread_id, namespace, checkpoint_id, task_id, idx, channel, blob)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
			checkpoint.ThreadID,
			checkpoint.Namespace,
			checkpoint.CheckpointID,
			w.TaskID,
			w.Idx,
			w.Channel,
			w.Blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint write: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (state.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT thread_id, namespace, checkpoint_id, parent_id, payload, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY seq DESC
LIMIT 1;`, threadID, namespace)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Checkpoint{}, fmt.Errorf("sqlite: thread %s: %w", threadID, state.ErrNotFound)
	}
	return cp, err
}

func (s *Store) List(ctx context.Context, threadID, namespace string) ([]state.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, namespace, checkpoint_id, parent_id, payload, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY seq ASC;`, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []state.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]state.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, idx, channel, blob
FROM checkpoint_writes
WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
ORDER BY task_id, idx;`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint writes: %w", err)
	}
	defer rows.Close()

	var out []state.PendingWrite
	for rows.Next() {
		var w state.PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Blob); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint write: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoint writes: %w", err)
	}
	return out, nil
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) (state.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return state.Session{}, fmt.Errorf("sqlite: session id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (id) DO NOTHING;`,
		sessionID, userID, now.Format(time.RFC3339Nano))
	if err != nil {
		return state.Session{}, fmt.Errorf("failed to ensure session: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(user_id, ''), COALESCE(name, ''), created_at FROM sessions WHERE id = ?;`, sessionID)
	var sess state.Session
	var tsRaw string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &tsRaw); err != nil {
		return state.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		sess.CreatedAt = ts
	}
	return sess, nil
}

// DeleteSession removes the session row and every checkpoint recorded under
// the session's thread.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM checkpoint_writes WHERE thread_id = ?;`,
		`DELETE FROM checkpoints WHERE thread_id = ?;`,
		`DELETE FROM sessions WHERE id = ?;`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session delete: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (state.Checkpoint, error) {
	var (
		cp      state.Checkpoint
		parent  sql.NullString
		payload string
		meta    sql.NullString
		tsRaw   string
	)
	if err := scanner.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &parent, &payload, &meta, &tsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Checkpoint{}, err
		}
		return state.Checkpoint{}, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.ParentID = parent.String
	var snapshot types.AgentState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return state.Checkpoint{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	cp.State = snapshot
	if meta.Valid && meta.String != "" && meta.String != "null" {
		_ = json.Unmarshal([]byte(meta.String), &cp.Metadata)
	}
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		cp.CreatedAt = ts
	}
	return cp, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

var _ state.Store = (*Store)(nil)
