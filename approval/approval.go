// Package approval gates sensitive tool calls behind a human decision. A
// pending request is a one-shot latch: the first decision wins and later
// decisions fail. Each pending request owns a completion signal that waiters
// block on until the request is decided or expired. Requests expire after a
// TTL and a background sweeper moves stale pending requests to expired.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/types"
)

var (
	ErrNotFound       = errors.New("approval: not found")
	ErrForbidden      = errors.New("approval: forbidden")
	ErrAlreadyDecided = errors.New("approval: already decided")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one intercepted sensitive tool call awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	ToolCall  types.ToolCall `json:"toolCall"`
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	DecidedAt time.Time      `json:"decidedAt,omitzero"`
}

func (r Request) Terminal() bool { return r.Status != StatusPending }

const (
	defaultTTL           = time.Hour
	defaultSweepInterval = time.Minute
)

// Manager owns the pending request table and the expiry sweeper.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	signals  map[string]chan struct{}

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	cron    *cron.Cron
	logger  logging.Logger
	sink    observe.Sink
	metrics *metrics.Collectors
}

type Option func(*Manager)

func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		requests:      map[string]*Request{},
		signals:       map[string]chan struct{}{},
		ttl:           defaultTTL,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		logger:        logging.Noop{},
		sink:          observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the expiry sweeper. Stop must be called to shut it down.
func (m *Manager) Start() error {
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.sweepInterval)
	if _, err := c.AddFunc(spec, m.Sweep); err != nil {
		return fmt.Errorf("failed to schedule approval sweeper: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

func (m *Manager) Stop() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
		m.cron = nil
	}
}

// Create intercepts a tool call and records a pending request.
func (m *Manager) Create(ctx context.Context, sessionID, userID string, call types.ToolCall, reason string) *Request {
	now := m.now().UTC()
	req := &Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		ToolCall:  call,
		Status:    StatusPending,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.requests[req.ID] = req
	m.signals[req.ID] = make(chan struct{})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ApprovalsCreated.Inc()
	}
	m.logger.Info("approval_request_created", "approval_id", req.ID, "tool", call.Name, "session", sessionID)
	_ = m.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindApproval,
		Status:    observe.StatusStarted,
		Name:      "approval_request_created",
		SessionID: sessionID,
		ToolName:  call.Name,
		Attributes: map[string]any{
			"approval_id": req.ID,
		},
	})
	return req
}

// Get returns a copy of a request visible to the given session.
func (m *Manager) Get(id, sessionID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.SessionID != sessionID {
		return Request{}, fmt.Errorf("%w: request belongs to another session", ErrForbidden)
	}
	return *req, nil
}

// ListPending returns the session's pending requests, oldest first. Expired
// but not yet swept requests are excluded.
func (m *Manager) ListPending(sessionID string) []Request {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.SessionID != sessionID || req.Status != StatusPending {
			continue
		}
		if now.After(req.ExpiresAt) {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Decide resolves a pending request. The caller's session must own the
// request, and only the first decision lands.
func (m *Manager) Decide(ctx context.Context, id, sessionID string, approve bool) (Request, error) {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.SessionID != sessionID {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("%w: request belongs to another session", ErrForbidden)
	}
	now := m.now().UTC()
	if req.Status == StatusPending && now.After(req.ExpiresAt) {
		req.Status = StatusExpired
		req.DecidedAt = req.ExpiresAt
		m.complete(id)
	}
	if req.Terminal() {
		m.mu.Unlock()
		return *req, fmt.Errorf("%w: status is %s", ErrAlreadyDecided, req.Status)
	}
	if approve {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
	}
	req.DecidedAt = now
	m.complete(id)
	snapshot := *req
	m.mu.Unlock()

	m.logger.Info("approval_decided", "approval_id", id, "status", string(snapshot.Status))
	_ = m.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindApproval,
		Status:    observe.StatusCompleted,
		Name:      "approval_" + string(snapshot.Status),
		SessionID: sessionID,
		ToolName:  snapshot.ToolCall.Name,
		Attributes: map[string]any{
			"approval_id": id,
		},
	})
	return snapshot, nil
}

// complete fires a request's completion signal. The caller holds mu; deleting
// the entry keeps the close one-shot even if the request terminates twice.
func (m *Manager) complete(id string) {
	if ch, ok := m.signals[id]; ok {
		close(ch)
		delete(m.signals, id)
	}
}

// Wait blocks until the request reaches a terminal status, then returns its
// final snapshot. A positive timeout bounds the wait; otherwise only ctx
// cancellation unblocks it. An already-decided request returns immediately.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (Request, error) {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Terminal() {
		snapshot := *req
		m.mu.Unlock()
		return snapshot, nil
	}
	done := m.signals[id]
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}

	m.mu.Lock()
	snapshot := *req
	m.mu.Unlock()
	return snapshot, nil
}

// ConsumeApproved reports whether the session holds an approved grant for the
// named tool, and removes the oldest matching grant so it cannot be reused.
func (m *Manager) ConsumeApproved(sessionID, toolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Request
	for _, req := range m.requests {
		if req.SessionID != sessionID || req.Status != StatusApproved || req.ToolCall.Name != toolName {
			continue
		}
		if oldest == nil || req.DecidedAt.Before(oldest.DecidedAt) {
			oldest = req
		}
	}
	if oldest == nil {
		return false
	}
	delete(m.requests, oldest.ID)
	m.logger.Debug("approval_consumed", "approval_id", oldest.ID, "tool", toolName)
	return true
}

// Sweep expires pending requests past their deadline.
func (m *Manager) Sweep() {
	now := m.now().UTC()
	var expired []string
	m.mu.Lock()
	for id, req := range m.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			req.DecidedAt = req.ExpiresAt
			m.complete(id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("approval_expired", "approval_id", id)
		_ = m.sink.Emit(context.Background(), observe.Event{
			Kind:   observe.KindApproval,
			Status: observe.StatusCompleted,
			Name:   "approval_expired",
			Attributes: map[string]any{
				"approval_id": id,
			},
		})
	}
}
