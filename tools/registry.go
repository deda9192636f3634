package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/types"
)

var (
	ErrNotFound  = fmt.Errorf("tools: not found")
	ErrForbidden = fmt.Errorf("tools: forbidden")
)

// Registry is the instance-scoped tool table. Built-ins register at startup;
// bridge tools arrive later through Discover and can be swapped without
// blocking in-flight dispatches.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

type RegistryOption func(*Registry)

func WithLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  map[string]Tool{},
		logger: logging.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
	r.logger.Debug("tool_registered", "tool", name)
}

// Unregister removes a tool; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// ReplacePrefix swaps every tool whose name carries the given prefix for the
// supplied set. Used when an external bridge refreshes its catalog.
func (r *Registry) ReplacePrefix(prefix string, tools []Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
}

// Resolve returns the tool if it exists and the role may use it.
func (r *Registry) Resolve(name, role string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !allowed(t.Definition(), role) {
		return nil, fmt.Errorf("%w: %s requires role %q", ErrForbidden, name, t.Definition().RequiresRole)
	}
	return t, nil
}

// Definition returns a tool's definition regardless of role gating.
func (r *Registry) Definition(name string) (types.ToolDefinition, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return types.ToolDefinition{}, false
	}
	return t.Definition(), true
}

// List returns the definitions visible to a role, sorted by name. Tools with
// a RequiresRole the caller does not hold are omitted entirely so restricted
// callers never see them advertised.
func (r *Registry) List(role string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		def := t.Definition()
		if !allowed(def, role) {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns a snapshot of every registered tool, sorted by name. Used to
// derive per-agent registries from a shared base set.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Name < out[j].Definition().Name })
	return out
}

// Names returns every registered tool name regardless of role.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch validates the call arguments against the tool's schema and
// executes it. Schema violations are returned without invoking the tool.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall, role string) (string, error) {
	t, err := r.Resolve(call.Name, role)
	if err != nil {
		return "", err
	}
	def := t.Definition()
	if len(def.JSONSchema) > 0 {
		if err := validateArgs(def, call.Arguments); err != nil {
			return "", err
		}
	}
	return t.Execute(ctx, call.Arguments)
}

// DispatchOutcome is Dispatch for callers that must observe control-flow
// redirects. Plain tools come back as a tool result outcome.
func (r *Registry) DispatchOutcome(ctx context.Context, call types.ToolCall, role string) (types.ToolOutcome, error) {
	t, err := r.Resolve(call.Name, role)
	if err != nil {
		return types.ToolOutcome{}, err
	}
	def := t.Definition()
	if len(def.JSONSchema) > 0 {
		if err := validateArgs(def, call.Arguments); err != nil {
			return types.ToolOutcome{}, err
		}
	}
	if ot, ok := t.(OutcomeTool); ok {
		return ot.ExecuteOutcome(ctx, call.Arguments)
	}
	out, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return types.ToolOutcome{}, err
	}
	return types.ResultOutcome(types.NewToolResultMessage(call, out)), nil
}

func validateArgs(def types.ToolDefinition, args json.RawMessage) error {
	schema, err := json.Marshal(def.JSONSchema)
	if err != nil {
		return fmt.Errorf("tool %q has an unmarshalable schema: %w", def.Name, err)
	}
	doc := []byte(`{}`)
	if len(args) > 0 {
		doc = args
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", def.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("tool %q arguments rejected: %s", def.Name, strings.Join(msgs, "; "))
	}
	return nil
}

func allowed(def types.ToolDefinition, role string) bool {
	return def.RequiresRole == "" || def.RequiresRole == role
}
