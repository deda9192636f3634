package observe

import (
	"context"
	"sync"

	"github.com/concordhq/agentcore/logging"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// LoggerSink mirrors every event into the structured log.
type LoggerSink struct {
	Logger logging.Logger
}

func (s LoggerSink) Emit(_ context.Context, event Event) error {
	if s.Logger == nil {
		return nil
	}
	event.Normalize()
	args := []any{
		"kind", string(event.Kind),
		"status", string(event.Status),
	}
	if event.RunID != "" {
		args = append(args, "run_id", event.RunID)
	}
	if event.SessionID != "" {
		args = append(args, "session_id", event.SessionID)
	}
	if event.Model != "" {
		args = append(args, "model", event.Model)
	}
	if event.ToolName != "" {
		args = append(args, "tool", event.ToolName)
	}
	if event.Worker != "" {
		args = append(args, "worker", event.Worker)
	}
	if event.DurationMs > 0 {
		args = append(args, "duration_ms", event.DurationMs)
	}
	if event.Error != "" {
		args = append(args, "error", event.Error)
		s.Logger.Error(event.Name, args...)
		return nil
	}
	s.Logger.Info(event.Name, args...)
	return nil
}

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	switch len(filtered) {
	case 0:
		return NoopSink{}
	case 1:
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// AsyncSink decouples emitters from slow downstreams. Events are dropped
// under pressure rather than blocking the driver hot path.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	once       sync.Once
	done       chan struct{}
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		return nil
	}
}

// Close stops the drain loop after flushing queued events.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}
