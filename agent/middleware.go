package agent

import (
	"context"
	"time"

	"github.com/concordhq/agentcore/types"
)

// Middleware observes and mutates the reason-act cycle. Hooks run in
// registration order before the phase and in reverse order after it; an error
// from a Before hook aborts the phase.
type Middleware interface {
	BeforeGenerate(ctx context.Context, ev *GenerateEvent) error
	AfterGenerate(ctx context.Context, ev *GenerateEvent) error
	BeforeTool(ctx context.Context, ev *ToolEvent) error
	AfterTool(ctx context.Context, ev *ToolEvent) error
	OnError(ctx context.Context, ev *ErrorEvent)
}

// GenerateEvent wraps one model call. Before hooks may rewrite the request;
// after hooks see the response as well.
type GenerateEvent struct {
	RunID      string
	SessionID  string
	Cycle      int
	StartedAt  time.Time
	FinishedAt time.Time
	State      *types.AgentState
	Request    *types.Request
	Response   *types.Response
}

// ToolEvent wraps one tool invocation. A Before hook may short-circuit the
// call by setting Outcome, in which case the tool never executes.
type ToolEvent struct {
	RunID      string
	SessionID  string
	Cycle      int
	StartedAt  time.Time
	FinishedAt time.Time
	State      *types.AgentState
	Call       types.ToolCall
	Outcome    *types.ToolOutcome
	ToolError  error
}

type ErrorEvent struct {
	RunID     string
	SessionID string
	Cycle     int
	Stage     string // "generate", "tool", or "checkpoint"
	ToolName  string
	Err       error
}

// NoopMiddleware implements every hook as a no-op. Embed it to implement only
// the hooks a middleware cares about.
type NoopMiddleware struct{}

func (NoopMiddleware) BeforeGenerate(context.Context, *GenerateEvent) error { return nil }
func (NoopMiddleware) AfterGenerate(context.Context, *GenerateEvent) error  { return nil }
func (NoopMiddleware) BeforeTool(context.Context, *ToolEvent) error         { return nil }
func (NoopMiddleware) AfterTool(context.Context, *ToolEvent) error          { return nil }
func (NoopMiddleware) OnError(context.Context, *ErrorEvent)                 {}

type chain []Middleware

func (c chain) beforeGenerate(ctx context.Context, ev *GenerateEvent) error {
	for _, m := range c {
		if err := m.BeforeGenerate(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) afterGenerate(ctx context.Context, ev *GenerateEvent) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].AfterGenerate(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) beforeTool(ctx context.Context, ev *ToolEvent) error {
	for _, m := range c {
		if err := m.BeforeTool(ctx, ev); err != nil {
			return err
		}
		if ev.Outcome != nil {
			return nil
		}
	}
	return nil
}

func (c chain) afterTool(ctx context.Context, ev *ToolEvent) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].AfterTool(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) onError(ctx context.Context, ev *ErrorEvent) {
	for _, m := range c {
		m.OnError(ctx, ev)
	}
}
