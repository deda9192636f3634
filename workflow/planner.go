package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/types"
)

const fallbackWorker = "coder"

const plannerPrompt = `You are a planning assistant. Decompose the user's request into steps for the available workers. Reply with a single JSON object, no prose:
{"name": "...", "reasoning": "...", "steps": [{"id": "a", "worker_name": "...", "task": "...", "depends_on": []}]}
Rules: step ids are short and unique; depends_on lists only earlier step ids; prefer independent steps so they can run in parallel.`

// Generator is the model surface the planner and the LLM synthesizer share.
type Generator interface {
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// Planner resolves a plan for a request. Precedence: explicit template name,
// then a template whose name appears in the request, then the LLM planner,
// then a single-step fallback on the default worker.
type Planner struct {
	llm       Generator
	model     string
	catalog   map[string]config.Worker
	templates map[string]Template
	logger    logging.Logger
}

func NewPlanner(llm Generator, model string, catalog map[string]config.Worker, templates map[string]Template, logger logging.Logger) *Planner {
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Planner{llm: llm, model: model, catalog: catalog, templates: templates, logger: logger}
}

func (p *Planner) Plan(ctx context.Context, userRequest, templateName string) (Plan, error) {
	if templateName != "" {
		t, ok := p.templates[templateName]
		if !ok {
			return Plan{}, fmt.Errorf("workflow template %q not found", templateName)
		}
		return t.Instantiate(userRequest)
	}

	if t, ok := p.matchTemplate(userRequest); ok {
		p.logger.Info("workflow_template_matched", "template", t.Name)
		return t.Instantiate(userRequest)
	}

	if plan, err := p.synthesize(ctx, userRequest); err == nil {
		return plan, nil
	} else {
		p.logger.Warn("workflow_plan_synthesis_failed", "error", err)
	}

	return p.fallback(userRequest), nil
}

func (p *Planner) matchTemplate(userRequest string) (Template, bool) {
	lower := strings.ToLower(userRequest)
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		needle := strings.ToLower(strings.ReplaceAll(name, "_", " "))
		if strings.Contains(lower, needle) || strings.Contains(lower, strings.ToLower(name)) {
			return p.templates[name], true
		}
	}
	return Template{}, false
}

func (p *Planner) synthesize(ctx context.Context, userRequest string) (Plan, error) {
	if p.llm == nil {
		return Plan{}, fmt.Errorf("no planner model configured")
	}
	var b strings.Builder
	b.WriteString("Available workers:\n")
	for _, name := range p.workerNames() {
		fmt.Fprintf(&b, "- %s: %s\n", name, p.catalog[name].Description)
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(userRequest)

	resp, err := p.llm.Generate(ctx, types.Request{
		Model:        p.model,
		SystemPrompt: plannerPrompt,
		Messages:     []types.Message{types.NewMessage(types.RoleUser, b.String())},
	})
	if err != nil {
		return Plan{}, err
	}
	plan, err := ParsePlanJSON(resp.Message.Content)
	if err != nil {
		return Plan{}, err
	}
	for _, s := range plan.Steps {
		if _, ok := p.catalog[s.Worker]; !ok {
			return Plan{}, fmt.Errorf("plan routes step %q to unknown worker %q", s.ID, s.Worker)
		}
	}
	p.logger.Info("workflow_plan_created", "name", plan.Name, "steps", len(plan.Steps))
	return plan, nil
}

func (p *Planner) fallback(userRequest string) Plan {
	worker := fallbackWorker
	if _, ok := p.catalog[worker]; !ok {
		if names := p.workerNames(); len(names) > 0 {
			worker = names[0]
		}
	}
	return Plan{
		Name: "single_step",
		Steps: []Step{{
			ID:     "task",
			Worker: worker,
			Task:   userRequest,
		}},
	}
}

func (p *Planner) workerNames() []string {
	names := make([]string, 0, len(p.catalog))
	for name := range p.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
