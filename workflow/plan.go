// Package workflow plans a user request into a DAG of worker steps and runs
// eligible steps in parallel rounds until the plan is exhausted, then
// synthesizes one assistant message from the step outputs.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step is one unit of work routed to a named worker.
type Step struct {
	ID        string   `json:"id" yaml:"id"`
	Worker    string   `json:"worker_name" yaml:"worker"`
	Task      string   `json:"task" yaml:"task"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is an ordered sequence of steps whose dependencies reference only
// earlier steps, which keeps the graph acyclic by construction.
type Plan struct {
	Name      string `json:"name"`
	Reasoning string `json:"reasoning,omitempty"`
	Steps     []Step `json:"steps"`
}

// StepResult is one committed step output. Results merge into the shared log
// keyed by step id; the merge is a set union, so completion order is
// irrelevant.
type StepResult struct {
	StepID string `json:"step_id"`
	Worker string `json:"worker_name"`
	Task   string `json:"task"`
	Output string `json:"output"`
}

func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := map[string]bool{}
	for i, s := range p.Steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate step id %q", id)
		}
		if strings.TrimSpace(s.Worker) == "" {
			return fmt.Errorf("step %q has no worker", id)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on %q which is not declared earlier", id, dep)
			}
		}
		seen[id] = true
	}
	return nil
}

// ParsePlanJSON decodes a planner reply into a Plan. Models habitually wrap
// JSON in markdown code fences, so those are stripped first.
func ParsePlanJSON(raw string) (Plan, error) {
	cleaned := stripCodeFences(raw)
	var p Plan
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return Plan{}, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, fmt.Errorf("plan rejected: %w", err)
	}
	return p, nil
}

func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line (```json).
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
