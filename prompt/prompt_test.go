package prompt

import (
	"strings"
	"testing"

	"github.com/concordhq/agentcore/skill"
)

func TestRender(t *testing.T) {
	out, err := Render("Hello {{ name }}, task: {{task}}", map[string]string{
		"name": "ada",
		"task": "review",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Hello ada, task: review" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderMissingVariable(t *testing.T) {
	_, err := Render("Hello {{name}}", nil)
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("expected missing variable error, got %v", err)
	}
}

func TestRenderEmptyTemplate(t *testing.T) {
	if _, err := Render("   ", nil); err == nil {
		t.Fatal("expected error for empty template")
	}
}

func TestBuildDirectiveDefaults(t *testing.T) {
	out := BuildDirective(DirectiveContext{})
	if !strings.Contains(out, "capable assistant") {
		t.Fatalf("default persona missing: %q", out)
	}
	if strings.Contains(out, "Available skills") {
		t.Fatal("skill section should be absent when index is empty")
	}
}

func TestBuildDirectiveSkillIndex(t *testing.T) {
	out := BuildDirective(DirectiveContext{
		Role: "admin",
		Skills: []skill.IndexEntry{
			{Name: "api_design", Description: "Design REST APIs."},
			{Name: "sql_tuning", Description: "Tune slow queries."},
		},
	})
	if !strings.Contains(out, "- api_design: Design REST APIs.") {
		t.Fatalf("skill entry missing: %q", out)
	}
	if !strings.Contains(out, "load_skill") {
		t.Fatalf("load instruction missing: %q", out)
	}
	if !strings.Contains(out, "role is: admin") {
		t.Fatalf("role line missing: %q", out)
	}
	// Only the index is injected, never skill bodies.
	if strings.Contains(out, "plural nouns") {
		t.Fatalf("directive leaked a skill body: %q", out)
	}
}

func TestBuildDirectiveWorkerSection(t *testing.T) {
	out := BuildDirective(DirectiveContext{
		Persona: "Base persona.",
		Worker:  "You are the researcher. Gather facts before concluding.",
	})
	base := strings.Index(out, "Base persona.")
	worker := strings.Index(out, "researcher")
	if base == -1 || worker == -1 || worker < base {
		t.Fatalf("worker directive ordering wrong: %q", out)
	}
}
