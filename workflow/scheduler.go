package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/types"
)

// roundCapSlack is added to the step count to bound the round loop. A sound
// DAG never needs more rounds than steps.
const roundCapSlack = 2

// WorkerRunner executes one worker over a message list and returns the final
// assistant text. *router.Router satisfies it.
type WorkerRunner interface {
	RunWorker(ctx context.Context, name string, st types.AgentState) (string, error)
}

// Result is the outcome of one scheduled plan.
type Result struct {
	FinalOutput string
	Results     []StepResult
	Rounds      int
	Stuck       bool
}

// Scheduler runs a plan: each round fans out every eligible step in parallel,
// joins, merges results into the shared log keyed by step id, and repeats.
type Scheduler struct {
	runner WorkerRunner

	llm       Generator
	synthLLM  bool
	model     string
	stepLimit time.Duration

	logger logging.Logger
	sink   observe.Sink
}

type SchedulerOption func(*Scheduler)

// WithLLMSynthesis replaces the deterministic concatenation synthesizer with
// a model call that summarizes across step outputs.
func WithLLMSynthesis(llm Generator, model string) SchedulerOption {
	return func(s *Scheduler) {
		s.llm = llm
		s.model = model
		s.synthLLM = llm != nil
	}
}

func WithStepTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.stepLimit = d
		}
	}
}

func WithSchedulerLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSchedulerSink(sink observe.Sink) SchedulerOption {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func NewScheduler(runner WorkerRunner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner: runner,
		logger: logging.Noop{},
		sink:   observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs the plan to completion. Per-step failures become error-shaped
// results and never abort the plan; only caller cancellation does. Exceeding
// the round cap marks the result stuck and reports it in the final output.
func (s *Scheduler) Execute(ctx context.Context, plan Plan, base types.AgentState) (Result, error) {
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}

	_ = s.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindWorkflow,
		Status:    observe.StatusStarted,
		Name:      "workflow_started",
		SessionID: base.SessionID(),
		Attributes: map[string]any{
			"plan":  plan.Name,
			"steps": len(plan.Steps),
		},
	})

	completed := map[string]StepResult{}
	roundCap := len(plan.Steps) + roundCapSlack

	round := 0
	for len(completed) < len(plan.Steps) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		eligible := s.eligible(plan, completed)
		if len(eligible) == 0 {
			break
		}
		if round >= roundCap {
			return s.stuck(ctx, plan, completed, round)
		}
		s.logger.Info("workflow_round_started", "plan", plan.Name, "round", round, "eligible", len(eligible))

		// Dependency contexts are resolved before the fan-out so no task can
		// observe a sibling's result from the same round.
		tasks := make(map[string]string, len(eligible))
		for _, step := range eligible {
			task := step.Task
			if depCtx := s.dependencyContext(step, completed); depCtx != "" {
				task += "\n\nContext from prior steps:\n" + depCtx
			}
			tasks[step.ID] = task
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range eligible {
			g.Go(func() error {
				res, err := s.runStep(gctx, step, tasks[step.ID], base)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if _, dup := completed[res.StepID]; dup {
					return fmt.Errorf("duplicate step result %q", res.StepID)
				}
				completed[res.StepID] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
		round++
	}

	final, err := s.synthesize(ctx, plan, completed)
	if err != nil {
		return Result{}, err
	}
	_ = s.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindWorkflow,
		Status:    observe.StatusCompleted,
		Name:      "workflow_completed",
		SessionID: base.SessionID(),
		Attributes: map[string]any{
			"plan":   plan.Name,
			"rounds": round,
		},
	})
	return Result{
		FinalOutput: final,
		Results:     s.inPlanOrder(plan, completed),
		Rounds:      round,
	}, nil
}

// eligible returns the steps whose dependencies are all committed, in plan
// order.
func (s *Scheduler) eligible(plan Plan, completed map[string]StepResult) []Step {
	var out []Step
	for _, step := range plan.Steps {
		if _, done := completed[step.ID]; done {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	return out
}

// runStep invokes one worker with the fully resolved task prompt.
func (s *Scheduler) runStep(ctx context.Context, step Step, task string, base types.AgentState) (StepResult, error) {
	st := base.Clone()
	st.Append(types.NewMessage(types.RoleUser, task))

	stepCtx := ctx
	if s.stepLimit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.stepLimit)
		defer cancel()
	}

	start := time.Now()
	output, err := s.runner.RunWorker(stepCtx, step.Worker, st)
	if err != nil {
		if ctx.Err() != nil {
			return StepResult{}, ctx.Err()
		}
		s.logger.Warn("workflow_step_failed", "step", step.ID, "worker", step.Worker, "error", err)
		output = "Error: " + err.Error()
	}

	_ = s.sink.Emit(ctx, observe.Event{
		Kind:       observe.KindWorkflow,
		Status:     observe.StatusCompleted,
		Name:       "workflow_step_completed",
		SessionID:  base.SessionID(),
		Worker:     step.Worker,
		DurationMs: time.Since(start).Milliseconds(),
		Attributes: map[string]any{
			"step": step.ID,
		},
	})
	return StepResult{StepID: step.ID, Worker: step.Worker, Task: step.Task, Output: output}, nil
}

func (s *Scheduler) dependencyContext(step Step, completed map[string]StepResult) string {
	var parts []string
	for _, dep := range step.DependsOn {
		if res, ok := completed[dep]; ok {
			parts = append(parts, fmt.Sprintf("[%s] %s", dep, res.Output))
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Scheduler) inPlanOrder(plan Plan, completed map[string]StepResult) []StepResult {
	out := make([]StepResult, 0, len(completed))
	for _, step := range plan.Steps {
		if res, ok := completed[step.ID]; ok {
			out = append(out, res)
		}
	}
	return out
}

func (s *Scheduler) stuck(ctx context.Context, plan Plan, completed map[string]StepResult, round int) (Result, error) {
	msg := fmt.Sprintf("Workflow aborted: plan %q made no progress after %d rounds (%d of %d steps completed).",
		plan.Name, round, len(completed), len(plan.Steps))
	s.logger.Error("workflow_plan_stuck", "plan", plan.Name, "rounds", round)
	_ = s.sink.Emit(ctx, observe.Event{
		Kind:   observe.KindWorkflow,
		Status: observe.StatusFailed,
		Name:   "workflow_plan_stuck",
		Attributes: map[string]any{
			"plan":   plan.Name,
			"rounds": round,
		},
	})
	return Result{
		FinalOutput: msg,
		Results:     s.inPlanOrder(plan, completed),
		Rounds:      round,
		Stuck:       true,
	}, nil
}

// synthesize collapses all step outputs into one assistant-visible text, in
// plan order. With LLM synthesis enabled the deterministic rendering is used
// as the model's input and as the fallback when the call fails.
func (s *Scheduler) synthesize(ctx context.Context, plan Plan, completed map[string]StepResult) (string, error) {
	var b strings.Builder
	for _, res := range s.inPlanOrder(plan, completed) {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", res.StepID, res.Worker, res.Output)
	}
	deterministic := strings.TrimSpace(b.String())
	if deterministic == "" {
		deterministic = "The workflow produced no step results."
	}
	if !s.synthLLM {
		return deterministic, nil
	}

	resp, err := s.llm.Generate(ctx, types.Request{
		Model:        s.model,
		SystemPrompt: "Combine the following step results into one coherent answer for the user. Keep every substantive finding.",
		Messages:     []types.Message{types.NewMessage(types.RoleUser, deterministic)},
	})
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		if err != nil {
			s.logger.Warn("workflow_llm_synthesis_failed", "error", err)
		}
		return deterministic, nil
	}
	return resp.Message.Content, nil
}
