package guardrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/concordhq/agentcore/agent"
	"github.com/concordhq/agentcore/types"
)

const refusalText = "I can't provide that response; it was withheld by a content guard."

// BlockedError is returned when an input guard blocks a request.
type BlockedError struct {
	Guard   string
	Message string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guard %q blocked the request: %s", e.Guard, e.Message)
}

// Middleware enforces a pipeline around every generation: input guards run
// over the last user message, output guards over the model reply. A blocked
// reply is replaced with a refusal rather than failing the run.
type Middleware struct {
	agent.NoopMiddleware
	Pipeline *Pipeline
}

func (m *Middleware) BeforeGenerate(ctx context.Context, ev *agent.GenerateEvent) error {
	if m.Pipeline == nil || ev.Request == nil {
		return nil
	}
	idx := -1
	for i := len(ev.Request.Messages) - 1; i >= 0; i-- {
		if ev.Request.Messages[i].Role == types.RoleUser && ev.Request.Messages[i].Content != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	text, results, err := m.Pipeline.CheckInput(ctx, ev.Request.Messages[idx].Content)
	if err != nil {
		return err
	}
	if block, ok := FirstBlock(results); ok {
		return &BlockedError{Guard: block.Name, Message: block.Message}
	}
	if text != ev.Request.Messages[idx].Content {
		ev.Request.Messages[idx].Content = text
	}
	return nil
}

func (m *Middleware) AfterGenerate(ctx context.Context, ev *agent.GenerateEvent) error {
	if m.Pipeline == nil || ev.Response == nil {
		return nil
	}
	content := strings.TrimSpace(ev.Response.Message.Content)
	if content == "" {
		return nil
	}

	text, results, err := m.Pipeline.CheckOutput(ctx, content)
	if err != nil {
		return err
	}
	if _, ok := FirstBlock(results); ok {
		ev.Response.Message.Content = refusalText
		return nil
	}
	if text != content {
		ev.Response.Message.Content = text
	}
	return nil
}
