package prompt

import (
	"fmt"
	"strings"

	"github.com/concordhq/agentcore/skill"
)

const defaultPersona = `You are a capable assistant. Think step by step, use the available tools when they help, and answer directly when they do not.`

// DirectiveContext carries everything the system directive is built from.
// The skill index lists names and descriptions only; bodies load on demand
// through the load_skill tool.
type DirectiveContext struct {
	Persona string
	Worker  string
	Role    string
	Skills  []skill.IndexEntry
	Extras  []string
}

// BuildDirective assembles the system directive for a model call.
func BuildDirective(ctx DirectiveContext) string {
	var sections []string

	persona := strings.TrimSpace(ctx.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	sections = append(sections, persona)

	if worker := strings.TrimSpace(ctx.Worker); worker != "" {
		sections = append(sections, worker)
	}

	if len(ctx.Skills) > 0 {
		var b strings.Builder
		b.WriteString("## Available skills\n")
		b.WriteString("Load a skill with the load_skill tool before relying on it.\n")
		for _, s := range ctx.Skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
		sections = append(sections, strings.TrimSpace(b.String()))
	}

	if role := strings.TrimSpace(ctx.Role); role != "" {
		sections = append(sections, "The current user's role is: "+role+".")
	}

	for _, extra := range ctx.Extras {
		if extra = strings.TrimSpace(extra); extra != "" {
			sections = append(sections, extra)
		}
	}

	return strings.Join(sections, "\n\n")
}
