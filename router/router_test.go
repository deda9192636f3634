package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

var testCatalog = map[string]config.Worker{
	"researcher": {
		Description:     "Finds and verifies facts.",
		SystemDirective: "You are the researcher. Gather facts before concluding.",
	},
	"coder": {
		Description:     "Writes and reviews code.",
		SystemDirective: "You are the coder. Produce working code.",
	},
}

// routingClient answers based on the system prompt it sees: the supervisor
// turn transfers, worker turns answer in text.
type routingClient struct {
	transferTo string
	requests   []types.Request
}

func (c *routingClient) Generate(_ context.Context, req types.Request) (types.Response, error) {
	c.requests = append(c.requests, req)
	if c.transferTo != "" && strings.Contains(req.SystemPrompt, "You are a supervisor") {
		m := types.NewMessage(types.RoleAssistant, "")
		m.ToolCalls = []types.ToolCall{{
			ID:        "t1",
			Name:      "transfer_to_" + c.transferTo,
			Arguments: json.RawMessage(`{"task":"dig into the topic"}`),
		}}
		return types.Response{Message: m}, nil
	}
	return types.Response{Message: types.NewMessage(types.RoleAssistant, "final answer")}, nil
}

func (c *routingClient) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
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

func newRouterState() types.AgentState {
	st := types.NewAgentState("user-1", "sess-1", "user")
	st.Append(types.NewMessage(types.RoleUser, "please research quantum error correction"))
	return st
}

func TestSupervisorAnswersDirectly(t *testing.T) {
	client := &routingClient{}
	rt := New(client, testCatalog)

	res, err := rt.Run(context.Background(), newRouterState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Command != nil {
		t.Fatalf("no transfer expected, got %+v", res.Command)
	}
	if res.State.LastMessage().Content != "final answer" {
		t.Fatalf("unexpected answer %q", res.State.LastMessage().Content)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected a single model call, got %d", len(client.requests))
	}
}

func TestTransferRunsWorkerOnce(t *testing.T) {
	client := &routingClient{transferTo: "researcher"}
	rt := New(client, testCatalog)

	res, err := rt.Run(context.Background(), newRouterState())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Command == nil || res.Command.Goto != "researcher" {
		t.Fatalf("expected transfer to researcher, got %+v", res.Command)
	}
	// Supervisor turn + worker turn, and the worker never bounces back.
	if len(client.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(client.requests))
	}
	workerReq := client.requests[1]
	if !strings.Contains(workerReq.SystemPrompt, "You are the researcher") {
		t.Fatalf("worker directive missing: %q", workerReq.SystemPrompt)
	}
	for _, def := range workerReq.Tools {
		if strings.HasPrefix(def.Name, "transfer_to_") {
			t.Fatal("workers must not see transfer tools")
		}
	}
	var sawTask bool
	for _, m := range workerReq.Messages {
		if m.Role == types.RoleDirective && strings.Contains(m.Content, "dig into the topic") {
			sawTask = true
		}
	}
	if !sawTask {
		t.Fatal("transfer payload not forwarded to the worker")
	}
	if res.State.LastMessage().Content != "final answer" {
		t.Fatalf("worker answer missing: %q", res.State.LastMessage().Content)
	}
}

func TestSupervisorSeesOneTransferToolPerWorker(t *testing.T) {
	client := &routingClient{}
	rt := New(client, testCatalog)

	if _, err := rt.Run(context.Background(), newRouterState()); err != nil {
		t.Fatalf("run: %v", err)
	}
	names := map[string]bool{}
	for _, def := range client.requests[0].Tools {
		names[def.Name] = true
	}
	for _, w := range []string{"researcher", "coder"} {
		if !names["transfer_to_"+w] {
			t.Fatalf("transfer tool for %s missing: %v", w, names)
		}
	}
	if !strings.Contains(client.requests[0].SystemPrompt, "Finds and verifies facts.") {
		t.Fatal("catalog summary missing from supervisor directive")
	}
}

func TestSupervisorCarriesBaseTools(t *testing.T) {
	base := tools.NewRegistry()
	base.Register(tools.NewFuncTool(types.ToolDefinition{Name: "search_web"},
		func(context.Context, json.RawMessage) (string, error) { return "", nil }))
	client := &routingClient{}
	rt := New(client, testCatalog, WithBaseTools(base))

	if _, err := rt.Run(context.Background(), newRouterState()); err != nil {
		t.Fatalf("run: %v", err)
	}
	var found bool
	for _, def := range client.requests[0].Tools {
		if def.Name == "search_web" {
			found = true
		}
	}
	if !found {
		t.Fatal("base tool missing from supervisor registry")
	}
}

func TestRunStreamStreamsWorkerAnswer(t *testing.T) {
	client := &routingClient{transferTo: "coder"}
	rt := New(client, testCatalog)

	var got strings.Builder
	res, err := rt.RunStream(context.Background(), newRouterState(), func(chunk types.StreamChunk) error {
		got.WriteString(chunk.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("run stream: %v", err)
	}
	if res.Command == nil || res.Command.Goto != "coder" {
		t.Fatalf("expected transfer to coder, got %+v", res.Command)
	}
	if got.String() != "final answer" {
		t.Fatalf("unexpected streamed text %q", got.String())
	}
}

func TestHandoffToolOutcome(t *testing.T) {
	h := NewHandoffTool("researcher", "Finds facts.")
	def := h.Definition()
	if def.Name != "transfer_to_researcher" {
		t.Fatalf("unexpected tool name %q", def.Name)
	}
	out, err := h.ExecuteOutcome(context.Background(), json.RawMessage(`{"task":"check sources"}`))
	if err != nil {
		t.Fatalf("execute outcome: %v", err)
	}
	if out.Command == nil || out.Command.Goto != "researcher" || out.Command.Payload != "check sources" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Result != nil {
		t.Fatal("handoff must not produce a plain result")
	}
}
