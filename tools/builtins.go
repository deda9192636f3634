package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/concordhq/agentcore/skill"
	"github.com/concordhq/agentcore/types"
)

const defaultRetrieveK = 4

// RegisterBuiltins installs the skill tools and, when a retriever is
// provided, the knowledge lookup tool.
func RegisterBuiltins(r *Registry, skills *skill.Registry, retriever Retriever) {
	r.Register(newLoadSkillTool(skills))
	r.Register(newListSkillsTool(skills))
	r.Register(newCreateSkillTool(skills))
	r.Register(newUpdateSkillTool(skills))
	if retriever != nil {
		r.Register(newRetrieveKnowledgeTool(retriever))
	}
}

func newLoadSkillTool(skills *skill.Registry) Tool {
	def := types.ToolDefinition{
		Name:        "load_skill",
		Description: "Load the full content of a skill by name. Use list_skills to discover what is available.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the skill to load",
				},
			},
			"required": []string{"name"},
		},
	}
	return NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid load_skill arguments: %w", err)
		}
		s, ok := skills.Get(in.Name)
		if !ok {
			return fmt.Sprintf("Skill %q not found. Use list_skills to see available skills.", in.Name), nil
		}
		return s.Render(), nil
	})
}

func newListSkillsTool(skills *skill.Registry) Tool {
	def := types.ToolDefinition{
		Name:        "list_skills",
		Description: "List every skill in the library with its description, version, and provenance.",
		JSONSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
	return NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		all := skills.List()
		if len(all) == 0 {
			return "No skills are available.", nil
		}
		var b strings.Builder
		for _, s := range all {
			fmt.Fprintf(&b, "- %s (v%d, %s): %s\n", s.Name, s.Version, s.Source, s.Description)
		}
		return b.String(), nil
	})
}

func newCreateSkillTool(skills *skill.Registry) Tool {
	def := types.ToolDefinition{
		Name:        "create_skill",
		Description: "Create a new skill in the library from a distilled learning. The skill persists across sessions.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Short snake_case name for the skill",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "One sentence describing when to use the skill",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Markdown body of the skill",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional topic tags",
				},
			},
			"required": []string{"name", "description", "content"},
		},
		Sensitive:    true,
		RequiresRole: "admin",
	}
	return NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Content     string   `json:"content"`
			Tags        []string `json:"tags"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid create_skill arguments: %w", err)
		}
		s, err := skills.Create(in.Name, in.Description, in.Content, in.Tags)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Skill %q created (version %d).", s.Name, s.Version), nil
	})
}

func newUpdateSkillTool(skills *skill.Registry) Tool {
	def := types.ToolDefinition{
		Name:        "update_skill",
		Description: "Append a new learning to an existing agent-created skill and bump its version.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the skill to update",
				},
				"delta": map[string]any{
					"type":        "string",
					"description": "Markdown content to merge into the skill",
				},
			},
			"required": []string{"name", "delta"},
		},
		Sensitive:    true,
		RequiresRole: "admin",
	}
	return NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Name  string `json:"name"`
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid update_skill arguments: %w", err)
		}
		s, err := skills.Update(in.Name, in.Delta)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Skill %q updated to version %d.", s.Name, s.Version), nil
	})
}

func newRetrieveKnowledgeTool(retriever Retriever) Tool {
	def := types.ToolDefinition{
		Name:        "retrieve_knowledge",
		Description: "Search the external knowledge base and return the most relevant fragments.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Natural language search query",
				},
				"k": map[string]any{
					"type":        "integer",
					"description": "Number of fragments to return",
					"minimum":     1,
					"maximum":     20,
				},
			},
			"required": []string{"query"},
		},
	}
	return NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid retrieve_knowledge arguments: %w", err)
		}
		if in.K <= 0 {
			in.K = defaultRetrieveK
		}
		hits, err := retriever.Retrieve(ctx, in.Query, in.K)
		if err != nil {
			return "", fmt.Errorf("knowledge retrieval failed: %w", err)
		}
		if len(hits) == 0 {
			return "No relevant knowledge found.", nil
		}
		var b strings.Builder
		for i, h := range hits {
			fmt.Fprintf(&b, "[%d] (score %.3f", i+1, h.Score)
			if h.Source != "" {
				fmt.Fprintf(&b, ", %s", h.Source)
			}
			b.WriteString(")\n")
			b.WriteString(strings.TrimSpace(h.Content))
			b.WriteString("\n\n")
		}
		return strings.TrimSpace(b.String()), nil
	})
}
