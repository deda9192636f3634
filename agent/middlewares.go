package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/concordhq/agentcore/approval"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/prompt"
	"github.com/concordhq/agentcore/skill"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

// DirectiveMiddleware injects the system directive ahead of every model call.
// It always runs: even a request that set its own SystemPrompt gets the skill
// index and role line appended through the directive builder.
type DirectiveMiddleware struct {
	NoopMiddleware

	Persona string
	Worker  string
	Skills  *skill.Registry
	Extras  []string
}

func (m *DirectiveMiddleware) BeforeGenerate(_ context.Context, ev *GenerateEvent) error {
	var index []skill.IndexEntry
	if m.Skills != nil {
		index = m.Skills.Index()
	}
	persona := m.Persona
	if existing := strings.TrimSpace(ev.Request.SystemPrompt); existing != "" {
		persona = existing
	}
	var role string
	if ev.State != nil {
		role = ev.State.Role()
	}
	ev.Request.SystemPrompt = prompt.BuildDirective(prompt.DirectiveContext{
		Persona: persona,
		Worker:  m.Worker,
		Role:    role,
		Skills:  index,
		Extras:  m.Extras,
	})
	return nil
}

// RoleFilterMiddleware strips role-gated tools from the request so restricted
// callers never see them advertised to the model.
type RoleFilterMiddleware struct {
	NoopMiddleware
}

func (RoleFilterMiddleware) BeforeGenerate(_ context.Context, ev *GenerateEvent) error {
	if ev.State == nil || len(ev.Request.Tools) == 0 {
		return nil
	}
	role := ev.State.Role()
	kept := ev.Request.Tools[:0]
	for _, def := range ev.Request.Tools {
		if def.RequiresRole != "" && def.RequiresRole != role {
			continue
		}
		kept = append(kept, def)
	}
	ev.Request.Tools = kept
	return nil
}

// Summarizer is the model surface the compactor needs.
type Summarizer interface {
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

const compactionPrompt = `Summarize the following conversation history. Preserve every fact, decision, open question, and tool result the assistant may still need. Be concise; output only the summary.`

// CompactorMiddleware replaces the oldest part of an over-budget transcript
// with a model-written summary. Token counts are estimated at four characters
// per token; the newest KeepMessages messages are never summarized.
type CompactorMiddleware struct {
	NoopMiddleware

	LLM           Summarizer
	TriggerTokens int
	KeepMessages  int
	Model         string
	Logger        logging.Logger
}

func (m *CompactorMiddleware) BeforeGenerate(ctx context.Context, ev *GenerateEvent) error {
	if m.LLM == nil || m.TriggerTokens <= 0 || m.KeepMessages <= 0 {
		return nil
	}
	msgs := ev.Request.Messages
	if len(msgs) <= m.KeepMessages || estimateTokens(msgs) < m.TriggerTokens {
		return nil
	}

	cut := len(msgs) - m.KeepMessages
	// Never split a tool exchange: results must stay with the call that
	// produced them.
	for cut < len(msgs) && msgs[cut].Role == types.RoleToolResult {
		cut++
	}
	if cut <= 0 || cut >= len(msgs) {
		return nil
	}

	summary, err := m.summarize(ctx, msgs[:cut])
	if err != nil {
		if m.Logger != nil {
			m.Logger.Warn("history_compaction_failed", "error", err)
		}
		return nil
	}

	note := types.NewMessage(types.RoleDirective, "Summary of earlier conversation:\n"+summary)
	compacted := append([]types.Message{note}, msgs[cut:]...)
	ev.Request.Messages = compacted
	if ev.State != nil {
		ev.State.Messages = append([]types.Message(nil), compacted...)
	}
	if m.Logger != nil {
		m.Logger.Info("history_compacted", "dropped", cut, "kept", len(msgs)-cut)
	}
	return nil
}

func (m *CompactorMiddleware) summarize(ctx context.Context, msgs []types.Message) (string, error) {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "[tool_call] %s(%s)\n", call.Name, string(call.Arguments))
		}
	}
	resp, err := m.LLM.Generate(ctx, types.Request{
		Model:        m.Model,
		SystemPrompt: compactionPrompt,
		Messages:     []types.Message{types.NewMessage(types.RoleUser, b.String())},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("summarizer returned empty content")
	}
	return resp.Message.Content, nil
}

func estimateTokens(msgs []types.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, call := range m.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	return chars / 4
}

// ApprovalMiddleware intercepts sensitive tool calls. Without a prior grant
// the call is replaced by a stub result carrying the approval id; the tool
// itself never runs. An approved grant is consumed by the first matching call.
type ApprovalMiddleware struct {
	NoopMiddleware

	Manager  *approval.Manager
	Registry *tools.Registry
	Patterns []string
}

func (m *ApprovalMiddleware) BeforeTool(ctx context.Context, ev *ToolEvent) error {
	if m.Manager == nil || !m.sensitive(ev.Call.Name) {
		return nil
	}
	var sessionID, userID string
	if ev.State != nil {
		sessionID = ev.State.SessionID()
		userID = ev.State.UserID()
	}
	if m.Manager.ConsumeApproved(sessionID, ev.Call.Name) {
		return nil
	}
	req := m.Manager.Create(ctx, sessionID, userID, ev.Call, "sensitive tool")
	stub := types.NewToolResultMessage(ev.Call, fmt.Sprintf(
		"Approval required, id=%s. The call was not executed; a human must approve it first.", req.ID))
	outcome := types.ResultOutcome(stub)
	ev.Outcome = &outcome
	return nil
}

func (m *ApprovalMiddleware) sensitive(name string) bool {
	if m.Registry != nil {
		if def, ok := m.Registry.Definition(name); ok && def.Sensitive {
			return true
		}
	}
	lower := strings.ToLower(name)
	for _, p := range m.Patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ObservabilityMiddleware mirrors the cycle onto the event sink.
type ObservabilityMiddleware struct {
	NoopMiddleware

	Sink observe.Sink
}

func (m *ObservabilityMiddleware) BeforeTool(ctx context.Context, ev *ToolEvent) error {
	if m.Sink == nil {
		return nil
	}
	_ = m.Sink.Emit(ctx, observe.Event{
		Kind:      observe.KindTool,
		Status:    observe.StatusStarted,
		Name:      "tool_call_executing",
		RunID:     ev.RunID,
		SessionID: ev.SessionID,
		ToolName:  ev.Call.Name,
	})
	return nil
}

func (m *ObservabilityMiddleware) AfterTool(ctx context.Context, ev *ToolEvent) error {
	if m.Sink == nil {
		return nil
	}
	event := observe.Event{
		Kind:       observe.KindTool,
		Status:     observe.StatusCompleted,
		Name:       "tool_call_completed",
		RunID:      ev.RunID,
		SessionID:  ev.SessionID,
		ToolName:   ev.Call.Name,
		DurationMs: ev.FinishedAt.Sub(ev.StartedAt).Milliseconds(),
	}
	if ev.ToolError != nil {
		event.Status = observe.StatusFailed
		event.Name = "tool_call_failed"
		event.Error = ev.ToolError.Error()
	}
	_ = m.Sink.Emit(ctx, event)
	return nil
}

func (m *ObservabilityMiddleware) OnError(ctx context.Context, ev *ErrorEvent) {
	if m.Sink == nil {
		return
	}
	_ = m.Sink.Emit(ctx, observe.Event{
		Kind:      observe.KindRun,
		Status:    observe.StatusFailed,
		Name:      "run_error",
		RunID:     ev.RunID,
		SessionID: ev.SessionID,
		ToolName:  ev.ToolName,
		Error:     ev.Err.Error(),
		Attributes: map[string]any{
			"stage": ev.Stage,
			"cycle": ev.Cycle,
		},
	})
}

// MetricsMiddleware records model and tool call durations where the agent
// stack attributes them, so each agent's wiring decides what gets measured.
type MetricsMiddleware struct {
	NoopMiddleware

	Collectors *metrics.Collectors
}

func (m *MetricsMiddleware) AfterGenerate(_ context.Context, ev *GenerateEvent) error {
	m.Collectors.ObserveInference(ev.Request.Model, ev.FinishedAt.Sub(ev.StartedAt).Seconds())
	return nil
}

func (m *MetricsMiddleware) AfterTool(_ context.Context, ev *ToolEvent) error {
	m.Collectors.ObserveTool(ev.Call.Name, ev.FinishedAt.Sub(ev.StartedAt).Seconds())
	return nil
}
