package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/concordhq/agentcore/approval"
	"github.com/concordhq/agentcore/state/memory"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

// scriptedClient returns canned responses in order, then repeats the last one.
type scriptedClient struct {
	responses []types.Response
	requests  []types.Request
}

func (c *scriptedClient) Generate(_ context.Context, req types.Request) (types.Response, error) {
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	if idx < 0 {
		return types.Response{}, errors.New("no scripted responses")
	}
	return c.responses[idx], nil
}

func (c *scriptedClient) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return types.Response{}, err
	}
	if resp.Message.Content != "" {
		if err := onChunk(types.StreamChunk{Text: resp.Message.Content}); err != nil {
			return types.Response{}, err
		}
	}
	return resp, nil
}

func textResponse(content string) types.Response {
	return types.Response{Message: types.NewMessage(types.RoleAssistant, content)}
}

func toolCallResponse(calls ...types.ToolCall) types.Response {
	m := types.NewMessage(types.RoleAssistant, "")
	m.ToolCalls = calls
	return types.Response{Message: m}
}

func newEchoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(tools.NewFuncTool(types.ToolDefinition{
		Name:        "echo",
		Description: "Echoes its input.",
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		return "echo:" + string(args), nil
	}))
	return reg
}

func newState() types.AgentState {
	st := types.NewAgentState("user-1", "sess-1", "user")
	st.Append(types.NewMessage(types.RoleUser, "hello"))
	return st
}

func TestRunPlainAnswer(t *testing.T) {
	client := &scriptedClient{responses: []types.Response{textResponse("hi there")}}
	a := New("assistant", client)

	res, err := a.Run(context.Background(), newState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Cycles != 1 {
		t.Fatalf("expected 1 cycle, got %d", res.Cycles)
	}
	last := res.State.LastMessage()
	if last.Role != types.RoleAssistant || last.Content != "hi there" {
		t.Fatalf("unexpected final message %+v", last)
	}
}

func TestRunToolCycle(t *testing.T) {
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)}),
		textResponse("done"),
	}}
	a := New("assistant", client, WithRegistry(newEchoRegistry(t)))

	res, err := a.Run(context.Background(), newState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Cycles != 2 {
		t.Fatalf("expected 2 cycles, got %d", res.Cycles)
	}
	var sawResult bool
	for _, m := range res.State.Messages {
		if m.Role == types.RoleToolResult && strings.Contains(m.Content, `echo:{"x":1}`) {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("tool result missing from transcript: %+v", res.State.Messages)
	}
}

func TestRunUnknownToolRecovered(t *testing.T) {
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "nope"}),
		textResponse("recovered"),
	}}
	a := New("assistant", client, WithRegistry(newEchoRegistry(t)))

	res, err := a.Run(context.Background(), newState())
	if err != nil {
		t.Fatalf("run should recover from unknown tool: %v", err)
	}
	var sawError bool
	for _, m := range res.State.Messages {
		if m.Role == types.RoleToolResult && strings.HasPrefix(m.Content, "Error:") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error tool result in the transcript")
	}
}

func TestRunCycleCap(t *testing.T) {
	// The model asks for a tool every single cycle.
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}),
	}}
	a := New("assistant", client, WithRegistry(newEchoRegistry(t)), WithCycleCap(3))

	res, err := a.Run(context.Background(), newState())
	if !errors.Is(err, ErrCycleCapExceeded) {
		t.Fatalf("expected ErrCycleCapExceeded, got %v", err)
	}
	if res.Cycles != 3 {
		t.Fatalf("expected 3 cycles, got %d", res.Cycles)
	}
	if len(client.requests) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(client.requests))
	}
}

func TestRunHandoffCommand(t *testing.T) {
	reg := newEchoRegistry(t)
	reg.Register(newHandoffTool("researcher"))
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(
			types.ToolCall{ID: "c1", Name: "transfer_to_researcher"},
			types.ToolCall{ID: "c2", Name: "echo", Arguments: json.RawMessage(`{}`)},
		),
		textResponse("should never be reached"),
	}}
	a := New("supervisor", client, WithRegistry(reg))

	res, err := a.Run(context.Background(), newState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Command == nil || res.Command.Goto != "researcher" {
		t.Fatalf("expected handoff to researcher, got %+v", res.Command)
	}
	if len(client.requests) != 1 {
		t.Fatalf("loop should stop at the handoff, got %d model calls", len(client.requests))
	}
	var skipped bool
	for _, m := range res.State.Messages {
		if m.ToolCallID == "c2" && strings.Contains(m.Content, "Skipped") {
			skipped = true
		}
	}
	if !skipped {
		t.Fatal("calls after the handoff should be answered with a skip note")
	}
}

func TestRunCheckpointsPerCycle(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}),
		textResponse("done"),
	}}
	a := New("assistant", client, WithRegistry(newEchoRegistry(t)), WithStore(store))

	if _, err := a.Run(context.Background(), newState()); err != nil {
		t.Fatalf("run: %v", err)
	}

	cps, err := store.List(context.Background(), "sess-1", "assistant")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	// Cycle 1 writes model + tools, cycle 2 writes model.
	if len(cps) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(cps))
	}
	latest, err := store.GetLatest(context.Background(), "sess-1", "assistant")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ParentID == "" {
		t.Fatal("latest checkpoint should chain to a parent")
	}
	if latest.State.LastMessage().Content != "done" {
		t.Fatalf("latest checkpoint lags the run: %+v", latest.State.LastMessage())
	}
}

func TestRunStreamForwardsText(t *testing.T) {
	client := &scriptedClient{responses: []types.Response{textResponse("streamed answer")}}
	a := New("assistant", client)

	var got strings.Builder
	_, err := a.RunStream(context.Background(), newState(), func(chunk types.StreamChunk) error {
		got.WriteString(chunk.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("run stream: %v", err)
	}
	if got.String() != "streamed answer" {
		t.Fatalf("unexpected streamed text %q", got.String())
	}
}

func TestRunToolsOmittedForRestrictedRole(t *testing.T) {
	reg := newEchoRegistry(t)
	reg.Register(tools.NewFuncTool(types.ToolDefinition{
		Name:         "create_skill",
		RequiresRole: "admin",
	}, func(context.Context, json.RawMessage) (string, error) { return "", nil }))
	client := &scriptedClient{responses: []types.Response{textResponse("ok")}}
	a := New("assistant", client, WithRegistry(reg))

	if _, err := a.Run(context.Background(), newState()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, def := range client.requests[0].Tools {
		if def.Name == "create_skill" {
			t.Fatal("admin-gated tool advertised to a plain user")
		}
	}
}

func TestApprovalMiddlewareInterceptsSensitiveCall(t *testing.T) {
	mgr := approval.NewManager()
	reg := tools.NewRegistry()
	executed := false
	reg.Register(tools.NewFuncTool(types.ToolDefinition{
		Name:      "send_email",
		Sensitive: true,
	}, func(context.Context, json.RawMessage) (string, error) {
		executed = true
		return "sent", nil
	}))
	client := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "send_email", Arguments: json.RawMessage(`{"to":"a@b.c"}`)}),
		textResponse("waiting for approval"),
	}}
	a := New("assistant", client,
		WithRegistry(reg),
		WithMiddlewares(&ApprovalMiddleware{Manager: mgr, Registry: reg}),
	)

	res, err := a.Run(context.Background(), newState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if executed {
		t.Fatal("sensitive tool ran without approval")
	}
	var stub types.Message
	for _, m := range res.State.Messages {
		if m.Role == types.RoleToolResult && m.ToolCallID == "c1" {
			stub = m
		}
	}
	if !strings.Contains(stub.Content, "Approval required, id=") {
		t.Fatalf("stub result missing approval id: %q", stub.Content)
	}
	pending := mgr.ListPending("sess-1")
	if len(pending) != 1 || pending[0].ToolCall.Name != "send_email" {
		t.Fatalf("pending approval not recorded: %+v", pending)
	}
}

func TestApprovalMiddlewareConsumesGrant(t *testing.T) {
	mgr := approval.NewManager()
	reg := tools.NewRegistry()
	calls := 0
	reg.Register(tools.NewFuncTool(types.ToolDefinition{
		Name:      "send_email",
		Sensitive: true,
	}, func(context.Context, json.RawMessage) (string, error) {
		calls++
		return "sent", nil
	}))
	mw := &ApprovalMiddleware{Manager: mgr, Registry: reg}

	// First attempt is intercepted.
	first := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "send_email"}),
		textResponse("pending"),
	}}
	a := New("assistant", first, WithRegistry(reg), WithMiddlewares(mw))
	if _, err := a.Run(context.Background(), newState()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	pending := mgr.ListPending("sess-1")
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
	if _, err := mgr.Decide(context.Background(), pending[0].ID, "sess-1", true); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// Re-issued call passes on the consumed grant, exactly once.
	second := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c2", Name: "send_email"}),
		textResponse("sent it"),
	}}
	b := New("assistant", second, WithRegistry(reg), WithMiddlewares(mw))
	if _, err := b.Run(context.Background(), newState()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the approved call to execute once, got %d", calls)
	}

	// The grant is spent: a third attempt is intercepted again.
	third := &scriptedClient{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c3", Name: "send_email"}),
		textResponse("pending again"),
	}}
	c := New("assistant", third, WithRegistry(reg), WithMiddlewares(mw))
	if _, err := c.Run(context.Background(), newState()); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("grant should be one-shot, tool ran %d times", calls)
	}
}

func TestDirectiveMiddlewareSetsSystemPrompt(t *testing.T) {
	client := &scriptedClient{responses: []types.Response{textResponse("ok")}}
	a := New("assistant", client, WithMiddlewares(&DirectiveMiddleware{
		Persona: "You are the concierge.",
	}))

	if _, err := a.Run(context.Background(), newState()); err != nil {
		t.Fatalf("run: %v", err)
	}
	sp := client.requests[0].SystemPrompt
	if !strings.Contains(sp, "You are the concierge.") {
		t.Fatalf("persona missing from system prompt: %q", sp)
	}
	if !strings.Contains(sp, "role is: user") {
		t.Fatalf("role line missing from system prompt: %q", sp)
	}
}

func TestCompactorMiddlewareSummarizesLongHistory(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	st := types.NewAgentState("user-1", "sess-1", "user")
	for i := 0; i < 30; i++ {
		st.Append(types.NewMessage(types.RoleUser, fmt.Sprintf("%d %s", i, long)))
	}
	st.Append(types.NewMessage(types.RoleUser, "latest question"))

	summarizer := &scriptedClient{responses: []types.Response{textResponse("summary of the saga")}}
	client := &scriptedClient{responses: []types.Response{textResponse("answer")}}
	a := New("assistant", client, WithMiddlewares(&CompactorMiddleware{
		LLM:           summarizer,
		TriggerTokens: 1000,
		KeepMessages:  5,
	}))

	if _, err := a.Run(context.Background(), st); err != nil {
		t.Fatalf("run: %v", err)
	}
	req := client.requests[0]
	if len(req.Messages) != 6 {
		t.Fatalf("expected summary + 5 kept messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != types.RoleDirective || !strings.Contains(req.Messages[0].Content, "summary of the saga") {
		t.Fatalf("summary note missing: %+v", req.Messages[0])
	}
	if req.Messages[len(req.Messages)-1].Content != "latest question" {
		t.Fatal("newest message must survive compaction")
	}
}

func TestCompactorMiddlewareIdleUnderTrigger(t *testing.T) {
	summarizer := &scriptedClient{}
	client := &scriptedClient{responses: []types.Response{textResponse("answer")}}
	a := New("assistant", client, WithMiddlewares(&CompactorMiddleware{
		LLM:           summarizer,
		TriggerTokens: 4000,
		KeepMessages:  20,
	}))

	if _, err := a.Run(context.Background(), newState()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summarizer.requests) != 0 {
		t.Fatal("short history must not be summarized")
	}
}

// newHandoffTool mirrors the router's transfer tools closely enough for the
// driver tests.
func newHandoffTool(worker string) tools.Tool {
	return &handoffStub{worker: worker}
}

type handoffStub struct{ worker string }

func (h *handoffStub) Definition() types.ToolDefinition {
	return types.ToolDefinition{Name: "transfer_to_" + h.worker, Description: "Hand off."}
}

func (h *handoffStub) Execute(context.Context, json.RawMessage) (string, error) {
	return "Transferred.", nil
}

func (h *handoffStub) ExecuteOutcome(_ context.Context, args json.RawMessage) (types.ToolOutcome, error) {
	return types.CommandOutcome(types.Command{Goto: h.worker, Payload: string(args)}), nil
}
