// Package llm defines the provider abstraction and the gateway that routes
// requests across a ring of models with retry and fallback.
package llm

import (
	"context"
	"errors"

	"github.com/concordhq/agentcore/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// Streamer is implemented by providers that can deliver tokens as they are
// produced. onChunk is called for each text delta and once with Done set.
type Streamer interface {
	GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error)
}
