// Package redisstream publishes observe events onto a Redis Stream so other
// services can tail the agent's activity.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/concordhq/agentcore/observe"
)

const defaultStream = "agentcore:events"

type Sink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

type Option func(*Sink)

func WithClient(client *goredis.Client) Option {
	return func(s *Sink) {
		if client != nil {
			s.client = client
		}
	}
}

func WithStream(stream string) Option {
	return func(s *Sink) {
		stream = strings.TrimSpace(stream)
		if stream != "" {
			s.stream = stream
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func New(addr string, opts ...Option) (*Sink, error) {
	s := &Sink{stream: defaultStream, maxLen: 10000}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		s.client = goredis.NewClient(&goredis.Options{Addr: addr})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	if s == nil || s.client == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"name":    event.Name,
			"kind":    string(event.Kind),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ observe.Sink = (*Sink)(nil)
