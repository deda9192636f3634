package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/types"
)

var ErrExhausted = errors.New("llm: all backends exhausted")

const (
	defaultAttempts    = 3
	defaultBackoffBase = time.Second
	defaultConcurrency = 8
)

// Gateway fans a request across a ring of models. The requested model is
// tried first, then each ring member in order; a backend gets up to the
// configured attempts with doubling backoff before the ring advances.
// Permanent failures skip the remaining attempts on that backend.
type Gateway struct {
	providers   map[string]Provider
	ring        []string
	attempts    int
	backoffBase time.Duration
	callTimeout time.Duration
	budget      time.Duration
	concurrency int64
	sems        map[string]*semaphore.Weighted
	logger      logging.Logger
	sink        observe.Sink
}

type GatewayOption func(*Gateway)

func WithRing(models ...string) GatewayOption {
	return func(g *Gateway) { g.ring = models }
}

func WithAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.attempts = n
		}
	}
}

func WithBackoffBase(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.backoffBase = d
		}
	}
}

func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.callTimeout = d }
}

func WithBudget(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.budget = d }
}

func WithConcurrency(n int64) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

func WithGatewayLogger(l logging.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithSink(s observe.Sink) GatewayOption {
	return func(g *Gateway) {
		if s != nil {
			g.sink = s
		}
	}
}

func NewGateway(providers []Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:   map[string]Provider{},
		attempts:    defaultAttempts,
		backoffBase: defaultBackoffBase,
		concurrency: defaultConcurrency,
		sems:        map[string]*semaphore.Weighted{},
		logger:      logging.Noop{},
		sink:        observe.NoopSink{},
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	for name := range g.providers {
		g.sems[name] = semaphore.NewWeighted(g.concurrency)
	}
	return g
}

// ProviderFor maps a model id onto a registered provider by name prefix.
func (g *Gateway) ProviderFor(model string) (Provider, bool) {
	name := backendFor(model)
	p, ok := g.providers[name]
	return p, ok
}

func backendFor(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	default:
		return "openai"
	}
}

// Generate runs the request through the ring until a backend succeeds.
func (g *Gateway) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if g.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.budget)
		defer cancel()
	}

	var lastErr error
	for _, model := range g.candidates(req.Model) {
		provider, ok := g.ProviderFor(model)
		if !ok {
			lastErr = fmt.Errorf("no provider registered for model %q", model)
			continue
		}
		resp, err := g.tryBackend(ctx, provider, model, req, nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return types.Response{}, ctx.Err()
		}
		g.logger.Warn("model_fallback", "model", model, "error", err.Error())
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured")
	}
	return types.Response{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// GenerateStream is Generate with token delivery. Once the first chunk has
// reached the caller the stream is committed: a later failure surfaces as an
// error instead of a silent retry that would replay text.
func (g *Gateway) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	if g.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.budget)
		defer cancel()
	}

	delivered := false
	guarded := func(c types.StreamChunk) error {
		delivered = true
		return onChunk(c)
	}

	var lastErr error
	for _, model := range g.candidates(req.Model) {
		provider, ok := g.ProviderFor(model)
		if !ok {
			lastErr = fmt.Errorf("no provider registered for model %q", model)
			continue
		}
		resp, err := g.tryBackend(ctx, provider, model, req, guarded)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if delivered || ctx.Err() != nil {
			return types.Response{}, err
		}
		g.logger.Warn("model_fallback", "model", model, "error", err.Error())
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured")
	}
	return types.Response{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (g *Gateway) candidates(requested string) []string {
	out := make([]string, 0, len(g.ring)+1)
	seen := map[string]bool{}
	if requested != "" {
		out = append(out, requested)
		seen[requested] = true
	}
	for _, m := range g.ring {
		if !seen[m] {
			out = append(out, m)
			seen[m] = true
		}
	}
	return out
}

func (g *Gateway) tryBackend(ctx context.Context, provider Provider, model string, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	req.Model = model
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return types.Response{}, ctx.Err()
			case <-time.After(g.backoffBase << (attempt - 2)):
			}
		}
		resp, err := g.invoke(ctx, provider, model, req, onChunk)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Transient(err) {
			break
		}
		g.logger.Debug("model_retry", "model", model, "attempt", attempt, "error", err.Error())
	}
	return types.Response{}, lastErr
}

func (g *Gateway) invoke(ctx context.Context, provider Provider, model string, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	sem := g.sems[provider.Name()]
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return types.Response{}, err
		}
		defer sem.Release(1)
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := time.Now()
	var resp types.Response
	var err error
	if onChunk != nil {
		streamer, ok := provider.(Streamer)
		if !ok {
			return types.Response{}, fmt.Errorf("%w: streaming on %s", ErrNotSupported, provider.Name())
		}
		resp, err = streamer.GenerateStream(callCtx, req, onChunk)
	} else {
		resp, err = provider.Generate(callCtx, req)
	}
	elapsed := time.Since(start)

	event := observe.Event{
		Kind:       observe.KindModel,
		Status:     observe.StatusCompleted,
		Model:      model,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	_ = g.sink.Emit(ctx, event)
	return resp, err
}
