package gemini

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/concordhq/agentcore/types"
)

func TestBuildContentsMapsRoles(t *testing.T) {
	contents := buildContents([]types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "calling a tool", ToolCalls: []types.ToolCall{
			{ID: "fc_1", Name: "lookup", Arguments: json.RawMessage(`{"id":"7"}`)},
		}},
		{Role: types.RoleToolResult, Name: "lookup", ToolCallID: "fc_1", Content: `{"record":"x"}`},
	})

	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != genai.RoleUser {
		t.Fatalf("unexpected first role %q", contents[0].Role)
	}
	if contents[1].Role != genai.RoleModel {
		t.Fatalf("assistant should map to model role, got %q", contents[1].Role)
	}

	var fc *genai.Part
	for _, p := range contents[1].Parts {
		if p.FunctionCall != nil {
			fc = p
		}
	}
	if fc == nil || fc.FunctionCall.Name != "lookup" || fc.FunctionCall.ID != "fc_1" {
		t.Fatalf("function call not mapped: %+v", contents[1].Parts)
	}

	var fr *genai.Part
	for _, p := range contents[2].Parts {
		if p.FunctionResponse != nil {
			fr = p
		}
	}
	if fr == nil || fr.FunctionResponse.Name != "lookup" {
		t.Fatalf("function response not mapped: %+v", contents[2].Parts)
	}
}

func TestBuildContentsWrapsPlainToolOutput(t *testing.T) {
	contents := buildContents([]types.Message{
		{Role: types.RoleToolResult, Name: "lookup", Content: "plain text, not json"},
	})
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	fr := contents[0].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("function response missing")
	}
	if fr.Response["output"] != "plain text, not json" {
		t.Fatalf("plain output not wrapped: %+v", fr.Response)
	}
}

func TestParseResponseEmptyCandidates(t *testing.T) {
	resp := parseResponse(&genai.GenerateContentResponse{})
	if resp.Message.Role != types.RoleAssistant || resp.Message.Content == "" {
		t.Fatalf("expected fallback message, got %+v", resp.Message)
	}
}

func TestBuildFunctionDeclarationsDefaultsSchema(t *testing.T) {
	decls := buildFunctionDeclarations([]types.ToolDefinition{{Name: "noop"}})
	if len(decls) != 1 {
		t.Fatalf("expected 1 declaration, got %d", len(decls))
	}
	schema, ok := decls[0].ParametersJsonSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Fatalf("empty schema not defaulted: %+v", decls[0].ParametersJsonSchema)
	}
}
