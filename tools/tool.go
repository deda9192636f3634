// Package tools holds the callable tool surface of the agent: statically
// registered built-ins plus descriptors discovered from external bridges.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concordhq/agentcore/types"
)

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type FuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func NewFuncTool(def types.ToolDefinition, fn func(ctx context.Context, args json.RawMessage) (string, error)) *FuncTool {
	return &FuncTool{def: def, fn: fn}
}

func (t *FuncTool) Definition() types.ToolDefinition { return t.def }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.fn == nil {
		return "", fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}

// OutcomeTool is implemented by tools whose execution can redirect control
// instead of producing plain text, such as handoff tools.
type OutcomeTool interface {
	Tool
	ExecuteOutcome(ctx context.Context, args json.RawMessage) (types.ToolOutcome, error)
}

// Hit is one retrieved knowledge fragment.
type Hit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// Retriever is the external knowledge lookup the retrieve_knowledge tool
// delegates to. Implementations live outside the core.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Hit, error)
}
