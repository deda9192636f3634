// Package guardrail screens the text crossing the model boundary: input
// guards run before generation, output guards after. A guard can block the
// exchange, redact the text, or record a warning.
package guardrail

import (
	"context"
	"fmt"
)

type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
)

// Result is one guard's verdict over a piece of text.
type Result struct {
	Triggered bool   `json:"triggered"`
	Action    Action `json:"action,omitempty"`
	Name      string `json:"name"`
	Message   string `json:"message,omitempty"`
	Redacted  string `json:"redacted,omitempty"`
}

func Pass(name string) Result { return Result{Name: name} }

func Block(name, message string) Result {
	return Result{Triggered: true, Action: ActionBlock, Name: name, Message: message}
}

func Warn(name, message string) Result {
	return Result{Triggered: true, Action: ActionWarn, Name: name, Message: message}
}

func Redact(name, message, redacted string) Result {
	return Result{Triggered: true, Action: ActionRedact, Name: name, Message: message, Redacted: redacted}
}

// InputGuard screens user text before it reaches the model.
type InputGuard interface {
	Name() string
	CheckInput(ctx context.Context, text string) (Result, error)
}

// OutputGuard screens model text before it reaches the user.
type OutputGuard interface {
	Name() string
	CheckOutput(ctx context.Context, text string) (Result, error)
}

// Guard screens both directions.
type Guard interface {
	InputGuard
	OutputGuard
}

// Pipeline runs guards in registration order. Redactions chain: each guard
// sees the text as redacted by the guards before it.
type Pipeline struct {
	inputs  []InputGuard
	outputs []OutputGuard
}

func NewPipeline() *Pipeline { return &Pipeline{} }

func (p *Pipeline) AddInput(g InputGuard) *Pipeline {
	p.inputs = append(p.inputs, g)
	return p
}

func (p *Pipeline) AddOutput(g OutputGuard) *Pipeline {
	p.outputs = append(p.outputs, g)
	return p
}

// Add registers a bidirectional guard.
func (p *Pipeline) Add(g Guard) *Pipeline {
	p.inputs = append(p.inputs, g)
	p.outputs = append(p.outputs, g)
	return p
}

// CheckInput returns the possibly redacted text and every triggered result.
// The first block stops the pipeline.
func (p *Pipeline) CheckInput(ctx context.Context, text string) (string, []Result, error) {
	out := text
	var triggered []Result
	for _, g := range p.inputs {
		res, err := g.CheckInput(ctx, out)
		if err != nil {
			return "", nil, fmt.Errorf("guard %q failed: %w", g.Name(), err)
		}
		var blocked bool
		out, triggered, blocked = apply(out, triggered, res)
		if blocked {
			return "", triggered, nil
		}
	}
	return out, triggered, nil
}

// CheckOutput mirrors CheckInput for model responses.
func (p *Pipeline) CheckOutput(ctx context.Context, text string) (string, []Result, error) {
	out := text
	var triggered []Result
	for _, g := range p.outputs {
		res, err := g.CheckOutput(ctx, out)
		if err != nil {
			return "", nil, fmt.Errorf("guard %q failed: %w", g.Name(), err)
		}
		var blocked bool
		out, triggered, blocked = apply(out, triggered, res)
		if blocked {
			return "", triggered, nil
		}
	}
	return out, triggered, nil
}

func apply(text string, triggered []Result, res Result) (string, []Result, bool) {
	if !res.Triggered {
		return text, triggered, false
	}
	triggered = append(triggered, res)
	switch res.Action {
	case ActionBlock:
		return "", triggered, true
	case ActionRedact:
		if res.Redacted != "" {
			text = res.Redacted
		}
	}
	return text, triggered, false
}

// FirstBlock returns the blocking result, if any.
func FirstBlock(results []Result) (Result, bool) {
	for _, r := range results {
		if r.Triggered && r.Action == ActionBlock {
			return r, true
		}
	}
	return Result{}, false
}
