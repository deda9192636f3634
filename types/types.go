package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleDirective  Role = "system_directive"
)

// Message is one entry in a session transcript. The ID is assigned once and
// never changes; ordering within a session is append-only.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"` // Tool name for tool_result messages.
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	CreatedAt  time.Time  `json:"createdAt,omitempty"`
}

func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func NewToolResultMessage(call ToolCall, content string) Message {
	m := NewMessage(RoleToolResult, content)
	m.Name = call.Name
	m.ToolCallID = call.ID
	return m
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ArgumentsMap decodes the raw arguments into a generic map. A nil or empty
// payload decodes to an empty map.
func (c ToolCall) ArgumentsMap() (map[string]any, error) {
	if len(c.Arguments) == 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(c.Arguments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	JSONSchema   map[string]any `json:"jsonSchema,omitempty"`
	Sensitive    bool           `json:"sensitive,omitempty"`
	RequiresRole string         `json:"requiresRole,omitempty"`
}

type Request struct {
	Model           string           `json:"model,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"maxOutputTokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

func (u *Usage) Add(other *Usage) {
	if u == nil || other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// StreamChunk is one increment of a streamed model reply.
type StreamChunk struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// Command redirects the loop driver to a named node instead of producing a
// tool result. Produced by handoff tools through ExecuteOutcome.
type Command struct {
	Goto    string `json:"goto"`
	Payload string `json:"payload,omitempty"`
}

// ToolOutcome is the tagged result of a wrapped tool call: exactly one of
// Result or Command is set.
type ToolOutcome struct {
	Result  *Message `json:"result,omitempty"`
	Command *Command `json:"command,omitempty"`
}

func ResultOutcome(m Message) ToolOutcome  { return ToolOutcome{Result: &m} }
func CommandOutcome(c Command) ToolOutcome { return ToolOutcome{Command: &c} }
