package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/types"
)

// stubRunner answers each step with the uppercased step task, recording
// concurrency. Each call holds briefly so that steps of one round overlap.
type stubRunner struct {
	mu         sync.Mutex
	inFlight   int
	maxFlight  int
	calls      []string
	outputs    map[string]string
	failWorker string
}

func (r *stubRunner) RunWorker(_ context.Context, name string, st types.AgentState) (string, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxFlight {
		r.maxFlight = r.inFlight
	}
	task := st.LastMessage().Content
	r.calls = append(r.calls, name+":"+task)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)

	if name == r.failWorker {
		return "", errors.New("worker exploded")
	}
	if r.outputs != nil {
		if out, ok := r.outputs[task]; ok {
			return out, nil
		}
	}
	return strings.ToUpper(task), nil
}

func diamondPlan() Plan {
	return Plan{
		Name: "diamond",
		Steps: []Step{
			{ID: "a", Worker: "researcher", Task: "a"},
			{ID: "b", Worker: "researcher", Task: "b"},
			{ID: "c", Worker: "analyst", Task: "c", DependsOn: []string{"a", "b"}},
		},
	}
}

func wfState() types.AgentState {
	st := types.NewAgentState("user-1", "sess-1", "user")
	st.Append(types.NewMessage(types.RoleUser, "run the workflow"))
	return st
}

func TestExecuteParallelThenDependent(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(runner)

	res, err := s.Execute(context.Background(), diamondPlan(), wfState())
	require.NoError(t, err)
	assert.False(t, res.Stuck)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, res.Results, 3)

	// Round 0 runs a and b concurrently.
	assert.GreaterOrEqual(t, runner.maxFlight, 2, "independent steps should overlap")

	// c sees both dependency outputs.
	var cTask string
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "analyst:") {
			cTask = call
		}
	}
	assert.Contains(t, cTask, "A")
	assert.Contains(t, cTask, "B")

	// Results come back in plan order and the synthesis lists each step.
	assert.Equal(t, []string{"a", "b", "c"}, []string{res.Results[0].StepID, res.Results[1].StepID, res.Results[2].StepID})
	for _, id := range []string{"a", "b", "c"} {
		assert.Contains(t, res.FinalOutput, "## "+id+" (")
	}
}

func TestExecuteStepFailureDoesNotAbort(t *testing.T) {
	runner := &stubRunner{failWorker: "researcher"}
	plan := Plan{
		Name: "mixed",
		Steps: []Step{
			{ID: "a", Worker: "researcher", Task: "a"},
			{ID: "b", Worker: "analyst", Task: "b", DependsOn: []string{"a"}},
		},
	}
	s := NewScheduler(runner)

	res, err := s.Execute(context.Background(), plan, wfState())
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, strings.HasPrefix(res.Results[0].Output, "Error:"), "failed step output: %q", res.Results[0].Output)
	assert.Equal(t, "b", res.Results[1].StepID, "downstream step still executes")
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &stubRunner{}
	s := NewScheduler(runner)

	_, err := s.Execute(ctx, diamondPlan(), wfState())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteMergeIsOrderIndependent(t *testing.T) {
	// Two deterministic runs over a fan-out plan commit the same result set.
	plan := Plan{
		Name: "fan",
		Steps: []Step{
			{ID: "s1", Worker: "researcher", Task: "one"},
			{ID: "s2", Worker: "researcher", Task: "two"},
			{ID: "s3", Worker: "researcher", Task: "three"},
		},
	}
	collect := func() map[string]string {
		s := NewScheduler(&stubRunner{})
		res, err := s.Execute(context.Background(), plan, wfState())
		require.NoError(t, err)
		out := map[string]string{}
		for _, r := range res.Results {
			out[r.StepID] = r.Output
		}
		return out
	}
	assert.Equal(t, collect(), collect())
}

func TestExecuteLLMSynthesis(t *testing.T) {
	llm := &scriptedGenerator{reply: "one synthesized answer"}
	s := NewScheduler(&stubRunner{}, WithLLMSynthesis(llm, "gpt-4o-mini"))

	res, err := s.Execute(context.Background(), diamondPlan(), wfState())
	require.NoError(t, err)
	assert.Equal(t, "one synthesized answer", res.FinalOutput)
	require.Len(t, llm.requests, 1)
	assert.Contains(t, llm.requests[0].Messages[0].Content, "## a (researcher)")
}

func TestExecuteLLMSynthesisFallsBackOnError(t *testing.T) {
	llm := &scriptedGenerator{err: errors.New("backend down")}
	s := NewScheduler(&stubRunner{}, WithLLMSynthesis(llm, "gpt-4o-mini"))

	res, err := s.Execute(context.Background(), diamondPlan(), wfState())
	require.NoError(t, err)
	assert.Contains(t, res.FinalOutput, "## a (researcher)")
}

func TestParsePlanJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "plain json",
			raw:  `{"name":"p","steps":[{"id":"a","worker_name":"coder","task":"do it"}]}`,
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"name\":\"p\",\"steps\":[{\"id\":\"a\",\"worker_name\":\"coder\",\"task\":\"do it\"}]}\n```",
		},
		{
			name:    "duplicate ids",
			raw:     `{"steps":[{"id":"a","worker_name":"coder","task":"x"},{"id":"a","worker_name":"coder","task":"y"}]}`,
			wantErr: "duplicate step id",
		},
		{
			name:    "forward dependency",
			raw:     `{"steps":[{"id":"a","worker_name":"coder","task":"x","depends_on":["b"]},{"id":"b","worker_name":"coder","task":"y"}]}`,
			wantErr: "not declared earlier",
		},
		{
			name:    "not json",
			raw:     "I think we should split the work.",
			wantErr: "not valid JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlanJSON(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "p", plan.Name)
		})
	}
}

type scriptedGenerator struct {
	reply    string
	err      error
	requests []types.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req types.Request) (types.Response, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return types.Response{}, g.err
	}
	return types.Response{Message: types.NewMessage(types.RoleAssistant, g.reply)}, nil
}

var plannerCatalog = map[string]config.Worker{
	"researcher": {Description: "Finds facts.", SystemDirective: "research"},
	"coder":      {Description: "Writes code.", SystemDirective: "code"},
}

func TestPlannerUsesLLMPlan(t *testing.T) {
	llm := &scriptedGenerator{reply: "```json\n" +
		`{"name":"llm_plan","steps":[{"id":"r","worker_name":"researcher","task":"look"},{"id":"c","worker_name":"coder","task":"build","depends_on":["r"]}]}` +
		"\n```"}
	p := NewPlanner(llm, "gpt-4o-mini", plannerCatalog, nil, nil)

	plan, err := p.Plan(context.Background(), "build me a scraper", "")
	require.NoError(t, err)
	assert.Equal(t, "llm_plan", plan.Name)
	require.Len(t, plan.Steps, 2)
	assert.Contains(t, llm.requests[0].Messages[0].Content, "researcher: Finds facts.")
}

func TestPlannerFallsBackOnGarbage(t *testing.T) {
	llm := &scriptedGenerator{reply: "sure, here is my plan in prose"}
	p := NewPlanner(llm, "gpt-4o-mini", plannerCatalog, nil, nil)

	plan, err := p.Plan(context.Background(), "do the thing", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "coder", plan.Steps[0].Worker)
	assert.Equal(t, "do the thing", plan.Steps[0].Task)
}

func TestPlannerRejectsUnknownWorker(t *testing.T) {
	llm := &scriptedGenerator{reply: `{"steps":[{"id":"a","worker_name":"wizard","task":"magic"}]}`}
	p := NewPlanner(llm, "gpt-4o-mini", plannerCatalog, nil, nil)

	plan, err := p.Plan(context.Background(), "do the thing", "")
	require.NoError(t, err)
	assert.Equal(t, "coder", plan.Steps[0].Worker, "unknown workers fall through to the fallback plan")
}

func TestPlannerExplicitTemplate(t *testing.T) {
	templates := map[string]Template{
		"research_report": {
			Name: "research_report",
			Steps: []Step{
				{ID: "gather", Worker: "researcher", Task: "Gather sources."},
				{ID: "write", Worker: "coder", Task: "Write it up.", DependsOn: []string{"gather"}},
			},
		},
	}
	p := NewPlanner(nil, "", plannerCatalog, templates, nil)

	plan, err := p.Plan(context.Background(), "deep dive on solar panels", "research_report")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Contains(t, plan.Steps[0].Task, "User's original request: deep dive on solar panels")

	_, err = p.Plan(context.Background(), "x", "nope")
	require.Error(t, err)
}

func TestPlannerHeuristicTemplateMatch(t *testing.T) {
	templates := map[string]Template{
		"research_report": {
			Name:  "research_report",
			Steps: []Step{{ID: "gather", Worker: "researcher", Task: "Gather."}},
		},
	}
	llm := &scriptedGenerator{reply: "ignored"}
	p := NewPlanner(llm, "gpt-4o-mini", plannerCatalog, templates, nil)

	plan, err := p.Plan(context.Background(), "please run a research report about beans", "")
	require.NoError(t, err)
	assert.Equal(t, "research_report", plan.Name)
	assert.Empty(t, llm.requests, "matched template must skip the LLM planner")
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	content := `name: research_report
description: Research then summarize.
steps:
  - id: gather
    worker: researcher
    task: "Gather sources on: {{user_request}}"
  - id: summarize
    worker: coder
    task: Summarize the findings.
    depends_on: [gather]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research_report.yaml"), []byte(content), 0o644))

	templates, err := LoadTemplates(dir)
	require.NoError(t, err)
	require.Len(t, templates, 1)

	plan, err := templates["research_report"].Instantiate("beans")
	require.NoError(t, err)
	assert.Equal(t, "Gather sources on: beans", plan.Steps[0].Task)
	assert.Contains(t, plan.Steps[1].Task, "User's original request: beans")

	pairs := TemplateNames(templates)
	require.Len(t, pairs, 1)
	assert.Equal(t, "research_report", pairs[0][0])
	assert.Equal(t, "Research then summarize.", pairs[0][1])
}

func TestLoadTemplatesMissingDir(t *testing.T) {
	templates, err := LoadTemplates(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestLoadTemplatesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := "name: broken\nsteps:\n  - id: a\n    worker: w\n    task: t\n    depends_on: [z]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o644))

	_, err := LoadTemplates(dir)
	require.Error(t, err)
}

func TestExecuteDeepChainStaysWithinRoundCap(t *testing.T) {
	steps := make([]Step, 0, 6)
	prev := ""
	for i := 0; i < 6; i++ {
		s := Step{ID: fmt.Sprintf("s%d", i), Worker: "researcher", Task: "t"}
		if prev != "" {
			s.DependsOn = []string{prev}
		}
		prev = s.ID
		steps = append(steps, s)
	}
	plan := Plan{Name: "chain", Steps: steps}
	runner := &stubRunner{}
	s := NewScheduler(runner)

	res, err := s.Execute(context.Background(), plan, wfState())
	require.NoError(t, err)
	assert.False(t, res.Stuck, "a 6-step chain fits within steps+2 rounds")
	assert.Equal(t, 6, res.Rounds)
}
