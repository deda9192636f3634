// Package router layers a supervisor over a catalog of specialist workers.
// The supervisor sees one transfer tool per worker; calling it redirects the
// loop to that worker, and the worker answers the user directly.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concordhq/agentcore/types"
)

const handoffPrefix = "transfer_to_"

// handoffTool redirects control to a named worker. It never produces a plain
// tool result on the outcome path.
type handoffTool struct {
	worker      string
	description string
}

func NewHandoffTool(worker, description string) *handoffTool {
	return &handoffTool{worker: worker, description: description}
}

func (t *handoffTool) Definition() types.ToolDefinition {
	desc := fmt.Sprintf("Hand the conversation to the %s agent.", t.worker)
	if t.description != "" {
		desc += " " + t.description
	}
	return types.ToolDefinition{
		Name:        handoffPrefix + t.worker,
		Description: desc,
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "What the target agent should do, in your own words.",
				},
			},
		},
	}
}

func (t *handoffTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "Transferred to " + t.worker + ".", nil
}

func (t *handoffTool) ExecuteOutcome(_ context.Context, args json.RawMessage) (types.ToolOutcome, error) {
	var payload struct {
		Task string `json:"task"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return types.ToolOutcome{}, fmt.Errorf("transfer arguments are not valid JSON: %w", err)
		}
	}
	return types.CommandOutcome(types.Command{Goto: t.worker, Payload: payload.Task}), nil
}
