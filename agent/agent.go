// Package agent runs the reason-act loop: call the model, execute the tool
// calls it asks for, feed the results back, repeat until the model answers in
// plain text, a handoff command fires, or the cycle cap trips.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

var ErrCycleCapExceeded = errors.New("agent: cycle cap exceeded")

const (
	defaultCycleCap    = 25
	defaultToolTimeout = 2 * time.Minute
)

// ModelClient is the inference surface the driver calls. *llm.Gateway
// satisfies it.
type ModelClient interface {
	Generate(ctx context.Context, req types.Request) (types.Response, error)
	GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error)
}

// Agent drives one named loop over a shared model client and tool registry.
type Agent struct {
	name     string
	client   ModelClient
	registry *tools.Registry
	store    state.Store
	mws      chain

	model           string
	maxOutputTokens int
	cycleCap        int
	toolTimeout     time.Duration

	logger logging.Logger
	sink   observe.Sink
	mtr    *metrics.Collectors
}

type Option func(*Agent)

func WithRegistry(r *tools.Registry) Option {
	return func(a *Agent) { a.registry = r }
}

func WithStore(s state.Store) Option {
	return func(a *Agent) { a.store = s }
}

func WithMiddlewares(mws ...Middleware) Option {
	return func(a *Agent) { a.mws = append(a.mws, mws...) }
}

func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

func WithMaxOutputTokens(n int) Option {
	return func(a *Agent) { a.maxOutputTokens = n }
}

func WithCycleCap(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.cycleCap = n
		}
	}
}

func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.toolTimeout = d
		}
	}
}

func WithAgentLogger(l logging.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAgentSink(s observe.Sink) Option {
	return func(a *Agent) {
		if s != nil {
			a.sink = s
		}
	}
}

func WithAgentMetrics(m *metrics.Collectors) Option {
	return func(a *Agent) { a.mtr = m }
}

func New(name string, client ModelClient, opts ...Option) *Agent {
	a := &Agent{
		name:        name,
		client:      client,
		cycleCap:    defaultCycleCap,
		toolTimeout: defaultToolTimeout,
		logger:      logging.Noop{},
		sink:        observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string { return a.name }

// RunResult is the terminal state of one loop invocation. Command is non-nil
// when a handoff tool redirected control instead of finishing the run.
type RunResult struct {
	State   types.AgentState
	Command *types.Command
	Cycles  int
	Usage   types.Usage
}

// Run executes the loop to completion.
func (a *Agent) Run(ctx context.Context, st types.AgentState) (RunResult, error) {
	return a.run(ctx, st, nil)
}

// RunStream is Run with assistant text forwarded through onChunk as it
// arrives from the backend.
func (a *Agent) RunStream(ctx context.Context, st types.AgentState, onChunk func(types.StreamChunk) error) (RunResult, error) {
	return a.run(ctx, st, onChunk)
}

func (a *Agent) run(ctx context.Context, st types.AgentState, onChunk func(types.StreamChunk) error) (RunResult, error) {
	runID := uuid.NewString()
	stateCopy := st.Clone()
	sessionID := stateCopy.SessionID()
	role := stateCopy.Role()
	log := a.logger.With("run_id", runID, "agent", a.name)

	parentID := a.resumePoint(ctx, sessionID)

	_ = a.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindRun,
		Status:    observe.StatusStarted,
		Name:      "chat_request_received",
		RunID:     runID,
		SessionID: sessionID,
	})

	result := RunResult{}
	for cycle := 1; cycle <= a.cycleCap; cycle++ {
		result.Cycles = cycle

		req := types.Request{
			Model:           a.model,
			Messages:        append([]types.Message(nil), stateCopy.Messages...),
			MaxOutputTokens: a.maxOutputTokens,
		}
		if a.registry != nil {
			req.Tools = a.registry.List(role)
		}

		genEv := &GenerateEvent{
			RunID:     runID,
			SessionID: sessionID,
			Cycle:     cycle,
			StartedAt: time.Now().UTC(),
			State:     &stateCopy,
			Request:   &req,
		}
		if err := a.mws.beforeGenerate(ctx, genEv); err != nil {
			return a.fail(ctx, result, stateCopy, runID, sessionID, cycle, "generate", "", err)
		}

		resp, err := a.generate(ctx, req, onChunk)
		if err != nil {
			return a.fail(ctx, result, stateCopy, runID, sessionID, cycle, "generate", "", err)
		}
		genEv.Response = &resp
		genEv.FinishedAt = time.Now().UTC()
		if err := a.mws.afterGenerate(ctx, genEv); err != nil {
			return a.fail(ctx, result, stateCopy, runID, sessionID, cycle, "generate", "", err)
		}

		result.Usage.Add(resp.Usage)
		stateCopy.Append(resp.Message)
		parentID = a.checkpoint(ctx, stateCopy, runID, parentID, cycle, "model")

		if len(resp.Message.ToolCalls) == 0 {
			result.State = stateCopy
			if a.mtr != nil {
				a.mtr.CyclesPerRun.Observe(float64(cycle))
			}
			_ = a.sink.Emit(ctx, observe.Event{
				Kind:      observe.KindRun,
				Status:    observe.StatusCompleted,
				Name:      "chat_request_completed",
				RunID:     runID,
				SessionID: sessionID,
				Attributes: map[string]any{
					"cycles": cycle,
				},
			})
			log.Info("run_completed", "cycles", cycle)
			return result, nil
		}

		msgs, cmd := a.executeToolCalls(ctx, &stateCopy, runID, sessionID, role, cycle, resp.Message.ToolCalls)
		stateCopy.Append(msgs...)
		parentID = a.checkpoint(ctx, stateCopy, runID, parentID, cycle, "tools")

		if cmd != nil {
			result.State = stateCopy
			result.Command = cmd
			if a.mtr != nil {
				a.mtr.CyclesPerRun.Observe(float64(cycle))
			}
			_ = a.sink.Emit(ctx, observe.Event{
				Kind:      observe.KindRouter,
				Status:    observe.StatusCompleted,
				Name:      "agent_handoff",
				RunID:     runID,
				SessionID: sessionID,
				Worker:    cmd.Goto,
			})
			log.Info("run_handed_off", "goto", cmd.Goto, "cycles", cycle)
			return result, nil
		}
	}

	result.State = stateCopy
	err := fmt.Errorf("%w: %d cycles consumed without a final answer", ErrCycleCapExceeded, a.cycleCap)
	return a.fail(ctx, result, stateCopy, runID, sessionID, a.cycleCap, "generate", "", err)
}

func (a *Agent) generate(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	if onChunk != nil {
		return a.client.GenerateStream(ctx, req, onChunk)
	}
	return a.client.Generate(ctx, req)
}

// executeToolCalls runs the cycle's tool calls in order. The first handoff
// command wins: the remaining calls are answered with a skip note and never
// executed.
func (a *Agent) executeToolCalls(ctx context.Context, st *types.AgentState, runID, sessionID, role string, cycle int, calls []types.ToolCall) ([]types.Message, *types.Command) {
	msgs := make([]types.Message, 0, len(calls))
	var command *types.Command
	for _, call := range calls {
		if command != nil {
			msgs = append(msgs, types.NewToolResultMessage(call, "Skipped: control was handed to another agent."))
			continue
		}
		outcome := a.executeOneToolCall(ctx, st, runID, sessionID, role, cycle, call)
		if outcome.Command != nil {
			command = outcome.Command
			msgs = append(msgs, types.NewToolResultMessage(call, "Transferred to "+command.Goto+"."))
			continue
		}
		if outcome.Result != nil {
			msgs = append(msgs, *outcome.Result)
		}
	}
	return msgs, command
}

func (a *Agent) executeOneToolCall(ctx context.Context, st *types.AgentState, runID, sessionID, role string, cycle int, call types.ToolCall) types.ToolOutcome {
	ev := &ToolEvent{
		RunID:     runID,
		SessionID: sessionID,
		Cycle:     cycle,
		StartedAt: time.Now().UTC(),
		State:     st,
		Call:      call,
	}
	if err := a.mws.beforeTool(ctx, ev); err != nil {
		ev.ToolError = err
	}

	if ev.Outcome == nil && ev.ToolError == nil {
		toolCtx := ctx
		if a.toolTimeout > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
			defer cancel()
		}
		if a.registry == nil {
			ev.ToolError = fmt.Errorf("%w: %s", tools.ErrNotFound, call.Name)
		} else {
			outcome, err := a.registry.DispatchOutcome(toolCtx, call, role)
			if err != nil {
				ev.ToolError = err
			} else {
				ev.Outcome = &outcome
			}
		}
	}

	if ev.ToolError != nil {
		a.mws.onError(ctx, &ErrorEvent{
			RunID:     runID,
			SessionID: sessionID,
			Cycle:     cycle,
			Stage:     "tool",
			ToolName:  call.Name,
			Err:       ev.ToolError,
		})
		a.logger.Warn("tool_call_failed", "run_id", runID, "tool", call.Name, "error", ev.ToolError)
		failed := types.ResultOutcome(types.NewToolResultMessage(call, "Error: "+ev.ToolError.Error()))
		ev.Outcome = &failed
	}

	ev.FinishedAt = time.Now().UTC()
	if err := a.mws.afterTool(ctx, ev); err != nil {
		a.logger.Warn("tool_middleware_failed", "run_id", runID, "tool", call.Name, "error", err)
	}
	return *ev.Outcome
}

// resumePoint returns the latest checkpoint id for the session so new
// checkpoints chain onto the existing tree.
func (a *Agent) resumePoint(ctx context.Context, sessionID string) string {
	if a.store == nil || sessionID == "" {
		return ""
	}
	cp, err := a.store.GetLatest(ctx, sessionID, a.name)
	if err != nil {
		return ""
	}
	return cp.CheckpointID
}

// checkpoint persists the state snapshot and returns the new parent pointer.
// Persistence failures are reported but never abort the run.
func (a *Agent) checkpoint(ctx context.Context, st types.AgentState, runID, parentID string, cycle int, phase string) string {
	if a.store == nil || st.SessionID() == "" {
		return parentID
	}
	cp := state.Checkpoint{
		ThreadID:     st.SessionID(),
		Namespace:    a.name,
		CheckpointID: uuid.NewString(),
		ParentID:     parentID,
		State:        st.Clone(),
		Metadata: map[string]string{
			"run_id": runID,
			"cycle":  strconv.Itoa(cycle),
			"phase":  phase,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.Put(ctx, cp, nil); err != nil {
		a.logger.Error("checkpoint_write_failed", "run_id", runID, "cycle", cycle, "error", err)
		a.mws.onError(ctx, &ErrorEvent{
			RunID:     runID,
			SessionID: st.SessionID(),
			Cycle:     cycle,
			Stage:     "checkpoint",
			Err:       err,
		})
		return parentID
	}
	return cp.CheckpointID
}

func (a *Agent) fail(ctx context.Context, result RunResult, st types.AgentState, runID, sessionID string, cycle int, stage, toolName string, err error) (RunResult, error) {
	result.State = st
	a.mws.onError(ctx, &ErrorEvent{
		RunID:     runID,
		SessionID: sessionID,
		Cycle:     cycle,
		Stage:     stage,
		ToolName:  toolName,
		Err:       err,
	})
	_ = a.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindRun,
		Status:    observe.StatusFailed,
		Name:      "chat_request_failed",
		RunID:     runID,
		SessionID: sessionID,
		Error:     err.Error(),
	})
	a.logger.Error("run_failed", "cycle", cycle, "stage", stage, "error", err)
	return result, err
}
