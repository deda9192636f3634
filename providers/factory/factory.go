// Package factory assembles the gateway from configuration, constructing a
// provider for every backend that has credentials.
package factory

import (
	"context"
	"fmt"

	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/llm"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	anthropicprov "github.com/concordhq/agentcore/providers/anthropic"
	geminiprov "github.com/concordhq/agentcore/providers/gemini"
	openaiprov "github.com/concordhq/agentcore/providers/openai"
)

type Deps struct {
	Logger logging.Logger
	Sink   observe.Sink
}

// NewGateway builds providers for every configured API key and wires them
// into a gateway with the configured ring, retry, and concurrency settings.
// At least one backend must be available.
func NewGateway(ctx context.Context, cfg config.Config, deps Deps) (*llm.Gateway, error) {
	var providers []llm.Provider

	if cfg.OpenAIAPIKey != "" {
		p, err := openaiprov.New(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := anthropicprov.New(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.GeminiAPIKey != "" {
		p, err := geminiprov.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM backends configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY")
	}

	opts := []llm.GatewayOption{
		llm.WithRing(cfg.Ring()...),
		llm.WithAttempts(cfg.RetryAttempts),
		llm.WithBackoffBase(cfg.RetryBackoffBase()),
		llm.WithCallTimeout(cfg.PerBackendTimeout()),
		llm.WithBudget(cfg.PerRequestBudget()),
		llm.WithConcurrency(int64(cfg.PerBackendConcurrency)),
	}
	if deps.Logger != nil {
		opts = append(opts, llm.WithGatewayLogger(deps.Logger))
	}
	if deps.Sink != nil {
		opts = append(opts, llm.WithSink(deps.Sink))
	}
	return llm.NewGateway(providers, opts...), nil
}
