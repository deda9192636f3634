// Package anthropic adapts the Anthropic Messages API to the provider
// interface using the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/concordhq/agentcore/llm"
	"github.com/concordhq/agentcore/types"
)

const (
	defaultModel     = "claude-sonnet-4-0"
	defaultMaxTokens = 4096
)

type Client struct {
	client anthropic.Client
	model  string
}

type Option func(*clientConfig)

type clientConfig struct {
	model   string
	baseURL string
}

func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = model }
}

func WithBaseURL(baseURL string) Option {
	return func(c *clientConfig) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	cfg := clientConfig{model: defaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Client{
		client: anthropic.NewClient(clientOpts...),
		model:  cfg.model,
	}, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Tools:            true,
		Streaming:        true,
		StructuredOutput: false,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	resp, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return types.Response{}, classify(err)
	}
	return parseMessage(resp), nil
}

func (c *Client) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	if onChunk == nil {
		return types.Response{}, fmt.Errorf("onChunk is required")
	}
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return types.Response{}, fmt.Errorf("anthropic stream accumulation failed: %w", err)
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := onChunk(types.StreamChunk{Text: delta.Text}); err != nil {
					return types.Response{}, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return types.Response{}, classify(err)
	}
	if err := onChunk(types.StreamChunk{Done: true}); err != nil {
		return types.Response{}, err
	}
	return parseMessage(&message), nil
}

func (c *Client) buildParams(req types.Request) anthropic.MessageNewParams {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := int64(defaultMaxTokens)
	if req.MaxOutputTokens > 0 {
		maxTokens = int64(req.MaxOutputTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, buildTool(t))
	}
	return params
}

// buildMessages converts the conversation into Anthropic turns. Tool result
// messages fold into a user turn so each tool_use block is answered by the
// turn that follows it.
func buildMessages(in []types.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range in {
		switch m.Role {
		case types.RoleUser:
			flushResults()
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case types.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						input = string(tc.Arguments)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case types.RoleToolResult:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		}
	}
	flushResults()
	return out
}

func buildTool(t types.ToolDefinition) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{}
	if props, ok := t.JSONSchema["properties"]; ok {
		schema.Properties = props
	}
	if required, ok := t.JSONSchema["required"]; ok {
		switch r := required.(type) {
		case []string:
			schema.Required = r
		case []any:
			for _, v := range r {
				if s, ok := v.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
	}
	tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
	if tool.OfTool != nil && t.Description != "" {
		tool.OfTool.Description = anthropic.String(t.Description)
	}
	return tool
}

func parseMessage(msg *anthropic.Message) types.Response {
	out := types.Message{Role: types.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := json.RawMessage(`{}`)
			if raw, err := json.Marshal(tu.Input); err == nil && len(raw) > 0 {
				args = raw
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	out.Content = strings.TrimSpace(out.Content)

	var usage *types.Usage
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	}
	return types.Response{Message: out, Usage: usage}
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.NewBackendError("anthropic", apiErr.StatusCode, err)
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}
