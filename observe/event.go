// Package observe carries structured runtime events from the drivers to
// pluggable sinks. Event names are lowercase_underscore so downstream
// pipelines can group them (chat_request_received, tool_call_executing,
// approval_request_created).
package observe

import "time"

type Kind string

type Status string

const (
	KindRun        Kind = "run"
	KindModel      Kind = "model"
	KindTool       Kind = "tool"
	KindCheckpoint Kind = "checkpoint"
	KindApproval   Kind = "approval"
	KindRouter     Kind = "router"
	KindWorkflow   Kind = "workflow"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	Model      string         `json:"model,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Worker     string         `json:"worker,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
