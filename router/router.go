package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/concordhq/agentcore/agent"
	"github.com/concordhq/agentcore/approval"
	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/skill"
	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

var ErrUnknownWorker = errors.New("router: unknown worker")

const supervisorPersona = `You are a supervisor. Route each request to the specialist agent best suited for it using the transfer tools, or answer yourself when no specialist fits. Transfer at most once per request.`

// Router owns the supervisor agent and one loop per catalog worker. A run
// starts at the supervisor; the first transfer call redirects it to a worker,
// which answers the user directly and never returns control.
type Router struct {
	client  agent.ModelClient
	catalog map[string]config.Worker

	base      *tools.Registry
	store     state.Store
	skills    *skill.Registry
	approvals *approval.Manager
	patterns  []string

	model    string
	cycleCap int

	logger logging.Logger
	sink   observe.Sink
	mtr    *metrics.Collectors
	extra  []agent.Middleware

	supervisor *agent.Agent
	workers    map[string]*agent.Agent
}

type Option func(*Router)

func WithBaseTools(r *tools.Registry) Option {
	return func(rt *Router) { rt.base = r }
}

func WithStore(s state.Store) Option {
	return func(rt *Router) { rt.store = s }
}

func WithSkills(s *skill.Registry) Option {
	return func(rt *Router) { rt.skills = s }
}

func WithApprovals(m *approval.Manager, patterns []string) Option {
	return func(rt *Router) {
		rt.approvals = m
		rt.patterns = patterns
	}
}

func WithModel(model string) Option {
	return func(rt *Router) { rt.model = model }
}

func WithCycleCap(n int) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.cycleCap = n
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(rt *Router) {
		if s != nil {
			rt.sink = s
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(rt *Router) { rt.mtr = m }
}

// WithExtraMiddlewares prepends additional middlewares to the supervisor and
// every worker, ahead of the built-in stack.
func WithExtraMiddlewares(mws ...agent.Middleware) Option {
	return func(rt *Router) { rt.extra = append(rt.extra, mws...) }
}

func New(client agent.ModelClient, catalog map[string]config.Worker, opts ...Option) *Router {
	rt := &Router{
		client:   client,
		catalog:  catalog,
		base:     tools.NewRegistry(),
		cycleCap: 25,
		logger:   logging.Noop{},
		sink:     observe.NoopSink{},
		workers:  map[string]*agent.Agent{},
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.build()
	return rt
}

func (rt *Router) build() {
	supReg := tools.NewRegistry()
	for _, t := range rt.base.Tools() {
		supReg.Register(t)
	}
	for _, name := range rt.WorkerNames() {
		supReg.Register(NewHandoffTool(name, rt.catalog[name].Description))
	}

	rt.supervisor = agent.New("supervisor", rt.client,
		agent.WithRegistry(supReg),
		agent.WithStore(rt.store),
		agent.WithModel(rt.model),
		agent.WithCycleCap(rt.cycleCap),
		agent.WithAgentLogger(rt.logger.With("agent", "supervisor")),
		agent.WithAgentSink(rt.sink),
		agent.WithAgentMetrics(rt.mtr),
		agent.WithMiddlewares(rt.middlewares(supervisorPersona+"\n\n"+rt.catalogSummary(), "")...),
	)

	for _, name := range rt.WorkerNames() {
		w := rt.catalog[name]
		rt.workers[name] = agent.New(name, rt.client,
			agent.WithRegistry(rt.base),
			agent.WithStore(rt.store),
			agent.WithModel(rt.model),
			agent.WithCycleCap(rt.cycleCap),
			agent.WithAgentLogger(rt.logger.With("agent", name)),
			agent.WithAgentSink(rt.sink),
			agent.WithAgentMetrics(rt.mtr),
			agent.WithMiddlewares(rt.middlewares("", w.SystemDirective)...),
		)
	}
}

func (rt *Router) middlewares(persona, worker string) []agent.Middleware {
	mws := append([]agent.Middleware{}, rt.extra...)
	mws = append(mws,
		&agent.DirectiveMiddleware{Persona: persona, Worker: worker, Skills: rt.skills},
		agent.RoleFilterMiddleware{},
	)
	if rt.approvals != nil {
		mws = append(mws, &agent.ApprovalMiddleware{Manager: rt.approvals, Registry: rt.base, Patterns: rt.patterns})
	}
	mws = append(mws,
		&agent.ObservabilityMiddleware{Sink: rt.sink},
		&agent.MetricsMiddleware{Collectors: rt.mtr},
	)
	return mws
}

func (rt *Router) catalogSummary() string {
	names := rt.WorkerNames()
	if len(names) == 0 {
		return "No specialist agents are available."
	}
	var b strings.Builder
	b.WriteString("Specialist agents:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, rt.catalog[name].Description)
	}
	return strings.TrimSpace(b.String())
}

// RegisterWorker adds a worker at runtime. The supervisor's transfer tool set
// and catalog summary are rebuilt so the next run sees it.
func (rt *Router) RegisterWorker(name, systemDirective, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("router: worker name is required")
	}
	if strings.TrimSpace(systemDirective) == "" {
		return fmt.Errorf("router: worker %q has no system directive", name)
	}
	if rt.catalog == nil {
		rt.catalog = map[string]config.Worker{}
	}
	rt.catalog[name] = config.Worker{Description: description, SystemDirective: systemDirective}
	rt.build()
	rt.logger.Info("worker_registered", "worker", name)
	return nil
}

// RunWorker invokes a single catalog worker directly, outside the supervisor
// path. The workflow scheduler fans out steps through this.
func (rt *Router) RunWorker(ctx context.Context, name string, st types.AgentState) (string, error) {
	w, ok := rt.workers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	res, err := w.Run(ctx, st)
	if err != nil {
		return "", err
	}
	return res.State.LastMessage().Content, nil
}

// WorkerNames returns the catalog worker names, sorted.
func (rt *Router) WorkerNames() []string {
	names := make([]string, 0, len(rt.catalog))
	for name := range rt.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run routes one request. The returned result is the supervisor's when it
// answered directly, or the worker's when a transfer fired.
func (rt *Router) Run(ctx context.Context, st types.AgentState) (agent.RunResult, error) {
	return rt.run(ctx, st, nil)
}

// RunStream is Run with assistant text forwarded as it arrives. Only the
// agent that produces the final answer streams; supervisor routing chatter is
// suppressed when a transfer fires.
func (rt *Router) RunStream(ctx context.Context, st types.AgentState, onChunk func(types.StreamChunk) error) (agent.RunResult, error) {
	return rt.run(ctx, st, onChunk)
}

func (rt *Router) run(ctx context.Context, st types.AgentState, onChunk func(types.StreamChunk) error) (agent.RunResult, error) {
	start := time.Now()
	// The supervisor never streams: whether it answers or transfers is only
	// known once its turn finishes.
	res, err := rt.supervisor.Run(ctx, st)
	if err != nil {
		return res, err
	}
	if res.Command == nil {
		if onChunk != nil {
			if text := res.State.LastMessage().Content; text != "" {
				if cerr := onChunk(types.StreamChunk{Text: text}); cerr != nil {
					return res, cerr
				}
			}
		}
		return res, nil
	}

	worker, ok := rt.workers[res.Command.Goto]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownWorker, res.Command.Goto)
	}

	_ = rt.sink.Emit(ctx, observe.Event{
		Kind:      observe.KindRouter,
		Status:    observe.StatusStarted,
		Name:      "worker_dispatched",
		SessionID: st.SessionID(),
		Worker:    res.Command.Goto,
	})
	rt.logger.Info("worker_dispatched", "worker", res.Command.Goto, "session", st.SessionID())

	workerState := res.State.Clone()
	if task := strings.TrimSpace(res.Command.Payload); task != "" {
		workerState.Append(types.NewMessage(types.RoleDirective, "Task from the supervisor: "+task))
	}

	wres, werr := rt.runAgent(ctx, worker, workerState, onChunk)
	wres.Cycles += res.Cycles
	wres.Usage.Add(&res.Usage)
	wres.Command = res.Command
	if werr != nil {
		return wres, werr
	}

	_ = rt.sink.Emit(ctx, observe.Event{
		Kind:       observe.KindRouter,
		Status:     observe.StatusCompleted,
		Name:       "worker_completed",
		SessionID:  st.SessionID(),
		Worker:     res.Command.Goto,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return wres, nil
}

func (rt *Router) runAgent(ctx context.Context, a *agent.Agent, st types.AgentState, onChunk func(types.StreamChunk) error) (agent.RunResult, error) {
	if onChunk != nil {
		return a.RunStream(ctx, st, onChunk)
	}
	return a.Run(ctx, st)
}
