// Package core is the entry dispatcher: it owns the shared tool registry,
// skills, approvals, and checkpoint store, and routes each request to the
// single-agent loop, the supervisor router, or the workflow scheduler.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordhq/agentcore/agent"
	"github.com/concordhq/agentcore/approval"
	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/guardrail"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/router"
	"github.com/concordhq/agentcore/skill"
	"github.com/concordhq/agentcore/state"
	"github.com/concordhq/agentcore/stream"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/tools/bridge"
	"github.com/concordhq/agentcore/types"
	"github.com/concordhq/agentcore/workflow"
)

type Mode string

const (
	ModeSingle   Mode = "single"
	ModeMulti    Mode = "multi"
	ModeWorkflow Mode = "workflow"
)

var ErrUnknownMode = errors.New("core: unknown mode")

// transcriptNamespace is where the service keeps the canonical per-session
// message history, separate from the drivers' own cycle checkpoints.
const transcriptNamespace = "session"

// defaultWorkerCatalog is used when the configuration does not define one.
var defaultWorkerCatalog = map[string]config.Worker{
	"researcher": {
		Description:     "Finds, verifies, and cites factual information.",
		SystemDirective: "You are the researcher. Gather facts, verify them against the available tools, and cite where each claim comes from.",
	},
	"coder": {
		Description:     "Writes, reviews, and debugs code.",
		SystemDirective: "You are the coder. Produce working, idiomatic code and explain the important decisions briefly.",
	},
	"analyst": {
		Description:     "Analyzes data and draws quantified conclusions.",
		SystemDirective: "You are the analyst. Work from the data you are given, show the reasoning behind every number, and flag uncertainty.",
	},
	"writer": {
		Description:     "Produces polished prose from source material.",
		SystemDirective: "You are the writer. Turn the source material into clear, well-structured prose for the end reader.",
	},
}

// Service wires the configuration into runnable drivers.
type Service struct {
	cfg    config.Config
	client agent.ModelClient
	store  state.Store

	registry  *tools.Registry
	skills    *skill.Registry
	retriever tools.Retriever
	guards    *guardrail.Pipeline
	approvals *approval.Manager
	catalog   map[string]config.Worker
	templates map[string]workflow.Template
	planner   *workflow.Planner

	logger logging.Logger
	sink   observe.Sink
	mtr    *metrics.Collectors

	runLocks sync.Map
}

type Option func(*Service)

func WithLogger(l logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSink(sink observe.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) { s.mtr = m }
}

// WithRetriever plugs the external knowledge lookup behind the
// retrieve_knowledge tool.
func WithRetriever(r tools.Retriever) Option {
	return func(s *Service) { s.retriever = r }
}

// WithGuardrails screens every generation through the pipeline, in every
// mode.
func WithGuardrails(p *guardrail.Pipeline) Option {
	return func(s *Service) { s.guards = p }
}

// New assembles the service. Start must be called before serving requests and
// Close when shutting down.
func New(ctx context.Context, cfg config.Config, client agent.ModelClient, store state.Store, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logging.Noop{},
		sink:   observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.skills = skill.NewRegistry(cfg.SkillsPath, skill.WithLogger(s.logger))
	if err := s.skills.Load(); err != nil {
		return nil, fmt.Errorf("failed to load skills: %w", err)
	}

	s.registry = tools.NewRegistry(tools.WithLogger(s.logger))
	tools.RegisterBuiltins(s.registry, s.skills, s.retriever)

	s.approvals = approval.NewManager(
		approval.WithTTL(cfg.ApprovalTTL()),
		approval.WithSweepInterval(cfg.ApprovalSweepInterval()),
		approval.WithLogger(s.logger),
		approval.WithSink(s.sink),
		approval.WithMetrics(s.mtr),
	)

	s.catalog = cfg.WorkerCatalog
	if len(s.catalog) == 0 {
		s.catalog = defaultWorkerCatalog
	}

	templates, err := workflow.LoadTemplates(cfg.WorkflowTemplatesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}
	s.templates = templates
	s.planner = workflow.NewPlanner(client, cfg.DefaultModel, s.catalog, templates, s.logger)

	if cfg.ExternalToolBridgePath != "" {
		if _, err := s.RefreshExternalTools(ctx); err != nil {
			s.logger.Warn("external_tool_discovery_failed", "error", err)
		}
	}
	return s, nil
}

func (s *Service) Start() error { return s.approvals.Start() }

func (s *Service) Close() error {
	s.approvals.Stop()
	return s.store.Close()
}

// ExecuteRequest is one inbound request.
type ExecuteRequest struct {
	Mode      Mode
	SessionID string
	UserID    string
	Role      string
	Messages  []types.Message
	Template  string
}

func (r ExecuteRequest) validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("core: session id is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("core: at least one message is required")
	}
	switch r.Mode {
	case ModeSingle, ModeMulti, ModeWorkflow:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, r.Mode)
	}
}

// Execute runs one request to completion and returns the final state.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (types.AgentState, error) {
	return s.execute(ctx, req, nil)
}

// ExecuteStream runs one request while forwarding tokens, events, and
// handoffs through the returned mux. The mux always terminates with a done
// or error chunk.
func (s *Service) ExecuteStream(ctx context.Context, req ExecuteRequest) *stream.Mux {
	mux := stream.NewMux(64)
	go func() {
		if _, err := s.execute(ctx, req, mux); err != nil {
			mux.Fail(err)
			return
		}
		mux.Done()
	}()
	return mux
}

// lockSession serializes runs on the same transcript: at most one active
// cycle per session at any time, so concurrent requests queue instead of
// racing the checkpoint sequence.
func (s *Service) lockSession(sessionID string) func() {
	v, _ := s.runLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) execute(ctx context.Context, req ExecuteRequest, mux *stream.Mux) (types.AgentState, error) {
	if err := req.validate(); err != nil {
		return types.AgentState{}, err
	}
	unlock := s.lockSession(req.SessionID)
	defer unlock()
	if s.cfg.PerRequestBudget() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PerRequestBudget())
		defer cancel()
	}

	if _, err := s.store.EnsureSession(ctx, req.SessionID, req.UserID); err != nil {
		return types.AgentState{}, fmt.Errorf("failed to ensure session: %w", err)
	}

	st := s.loadState(ctx, req)
	st.Append(req.Messages...)

	sink := s.sink
	var onChunk func(types.StreamChunk) error
	if mux != nil {
		sink = observe.NewMultiSink(s.sink, mux.Sink())
		onChunk = func(chunk types.StreamChunk) error {
			mux.Token(chunk.Text)
			return nil
		}
	}

	var (
		final types.AgentState
		err   error
	)
	switch req.Mode {
	case ModeSingle:
		final, err = s.runSingle(ctx, st, sink, onChunk)
	case ModeMulti:
		final, err = s.runMulti(ctx, st, sink, onChunk)
	case ModeWorkflow:
		final, err = s.runWorkflow(ctx, st, req.Template, sink, mux)
	}
	if err != nil {
		return final, err
	}

	if perr := s.persist(ctx, final); perr != nil {
		s.logger.Error("transcript_persist_failed", "session", req.SessionID, "error", perr)
	}
	return final, nil
}

func (s *Service) runSingle(ctx context.Context, st types.AgentState, sink observe.Sink, onChunk func(types.StreamChunk) error) (types.AgentState, error) {
	a := agent.New("assistant", s.client,
		agent.WithRegistry(s.registry),
		agent.WithStore(s.store),
		agent.WithModel(s.cfg.DefaultModel),
		agent.WithCycleCap(s.cfg.CycleCap),
		agent.WithAgentLogger(s.logger),
		agent.WithAgentSink(sink),
		agent.WithAgentMetrics(s.mtr),
		agent.WithMiddlewares(s.middlewares()...),
	)
	var (
		res agent.RunResult
		err error
	)
	if onChunk != nil {
		res, err = a.RunStream(ctx, st, onChunk)
	} else {
		res, err = a.Run(ctx, st)
	}
	if msg, ok := s.policyOutcome(err); ok {
		// Policy outcome: surfaced as an assistant message, not a failure.
		res.State.Append(types.NewMessage(types.RoleAssistant, msg))
		return res.State, nil
	}
	return res.State, err
}

func (s *Service) runMulti(ctx context.Context, st types.AgentState, sink observe.Sink, onChunk func(types.StreamChunk) error) (types.AgentState, error) {
	rt := s.buildRouter(sink)
	var (
		res agent.RunResult
		err error
	)
	if onChunk != nil {
		res, err = rt.RunStream(ctx, st, onChunk)
	} else {
		res, err = rt.Run(ctx, st)
	}
	if msg, ok := s.policyOutcome(err); ok {
		res.State.Append(types.NewMessage(types.RoleAssistant, msg))
		return res.State, nil
	}
	return res.State, err
}

// policyOutcome maps policy failures to the assistant-visible message that
// replaces them. Operational errors pass through untouched.
func (s *Service) policyOutcome(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, agent.ErrCycleCapExceeded) {
		return fmt.Sprintf("I could not finish within %d reasoning cycles. Please narrow the request and try again.", s.cfg.CycleCap), true
	}
	var blocked *guardrail.BlockedError
	if errors.As(err, &blocked) {
		return "I can't act on that request: " + blocked.Message, true
	}
	return "", false
}

func (s *Service) runWorkflow(ctx context.Context, st types.AgentState, template string, sink observe.Sink, mux *stream.Mux) (types.AgentState, error) {
	userRequest := ""
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == types.RoleUser {
			userRequest = st.Messages[i].Content
			break
		}
	}

	plan, err := s.planner.Plan(ctx, userRequest, template)
	if err != nil {
		return st, err
	}

	opts := []workflow.SchedulerOption{
		workflow.WithSchedulerLogger(s.logger),
		workflow.WithSchedulerSink(sink),
		workflow.WithStepTimeout(s.cfg.PerBackendTimeout()),
	}
	if s.cfg.WorkflowLLMSynthesis {
		opts = append(opts, workflow.WithLLMSynthesis(s.client, s.cfg.DefaultModel))
	}
	sched := workflow.NewScheduler(s.buildRouter(sink), opts...)

	res, err := sched.Execute(ctx, plan, st)
	if err != nil {
		return st, err
	}
	final := types.NewMessage(types.RoleAssistant, res.FinalOutput)
	st.Append(final)
	if mux != nil {
		mux.Token(res.FinalOutput)
	}
	return st, nil
}

func (s *Service) buildRouter(sink observe.Sink) *router.Router {
	opts := []router.Option{
		router.WithBaseTools(s.registry),
		router.WithStore(s.store),
		router.WithSkills(s.skills),
		router.WithApprovals(s.approvals, s.cfg.SensitiveToolPatterns),
		router.WithModel(s.cfg.DefaultModel),
		router.WithCycleCap(s.cfg.CycleCap),
		router.WithLogger(s.logger),
		router.WithSink(sink),
		router.WithMetrics(s.mtr),
	}
	if s.guards != nil {
		opts = append(opts, router.WithExtraMiddlewares(&guardrail.Middleware{Pipeline: s.guards}))
	}
	return router.New(s.client, s.catalog, opts...)
}

func (s *Service) middlewares() []agent.Middleware {
	var mws []agent.Middleware
	if s.guards != nil {
		mws = append(mws, &guardrail.Middleware{Pipeline: s.guards})
	}
	return append(mws,
		&agent.DirectiveMiddleware{Skills: s.skills},
		agent.RoleFilterMiddleware{},
		&agent.CompactorMiddleware{
			LLM:           s.client,
			TriggerTokens: s.cfg.SummarizationTriggerTokens,
			KeepMessages:  s.cfg.SummarizationKeepMessages,
			Model:         s.summarizationModel(),
			Logger:        s.logger,
		},
		&agent.ApprovalMiddleware{Manager: s.approvals, Registry: s.registry, Patterns: s.cfg.SensitiveToolPatterns},
		&agent.ObservabilityMiddleware{Sink: s.sink},
		&agent.MetricsMiddleware{Collectors: s.mtr},
	)
}

func (s *Service) summarizationModel() string {
	if s.cfg.SummarizationModel != "" {
		return s.cfg.SummarizationModel
	}
	return s.cfg.DefaultModel
}

func (s *Service) loadState(ctx context.Context, req ExecuteRequest) types.AgentState {
	st := types.NewAgentState(req.UserID, req.SessionID, req.Role)
	cp, err := s.store.GetLatest(ctx, req.SessionID, transcriptNamespace)
	if err != nil {
		// A fresh session, or an unavailable store: start from scratch.
		return st
	}
	st.Messages = append(st.Messages, cp.State.Messages...)
	return st
}

func (s *Service) persist(ctx context.Context, st types.AgentState) error {
	if st.SessionID() == "" {
		return nil
	}
	parentID := ""
	if cp, err := s.store.GetLatest(ctx, st.SessionID(), transcriptNamespace); err == nil {
		parentID = cp.CheckpointID
	}
	return s.store.Put(ctx, state.Checkpoint{
		ThreadID:     st.SessionID(),
		Namespace:    transcriptNamespace,
		CheckpointID: uuid.NewString(),
		ParentID:     parentID,
		State:        st.Clone(),
		CreatedAt:    time.Now().UTC(),
	}, nil)
}

// History returns the persisted transcript for a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	cp, err := s.store.GetLatest(ctx, sessionID, transcriptNamespace)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cp.State.Messages, nil
}

// ClearHistory removes the session and every checkpoint under it.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// ListPendingApprovals returns the session's pending approval requests.
func (s *Service) ListPendingApprovals(sessionID string) []approval.Request {
	return s.approvals.ListPending(sessionID)
}

// Approve resolves a pending approval request in the caller's session.
func (s *Service) Approve(ctx context.Context, id, sessionID string) (approval.Request, error) {
	return s.approvals.Decide(ctx, id, sessionID, true)
}

// Reject resolves a pending approval request in the caller's session.
func (s *Service) Reject(ctx context.Context, id, sessionID string) (approval.Request, error) {
	return s.approvals.Decide(ctx, id, sessionID, false)
}

// ListWorkflowTemplates returns (name, description) pairs.
func (s *Service) ListWorkflowTemplates() [][2]string {
	return workflow.TemplateNames(s.templates)
}

// RegisterWorker adds a worker to the shared catalog at runtime.
func (s *Service) RegisterWorker(name, systemDirective, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("core: worker name is required")
	}
	if strings.TrimSpace(systemDirective) == "" {
		return fmt.Errorf("core: worker %q has no system directive", name)
	}
	s.catalog[name] = config.Worker{Description: description, SystemDirective: systemDirective}
	s.logger.Info("worker_registered", "worker", name)
	return nil
}

// RefreshExternalTools re-reads the bridge configuration and swaps the
// bridge-discovered tools for the fresh catalog.
func (s *Service) RefreshExternalTools(ctx context.Context) (int, error) {
	cfg, err := bridge.LoadConfig(s.cfg.ExternalToolBridgePath)
	if err != nil {
		return 0, err
	}
	n := bridge.Discover(ctx, cfg, s.registry, s.logger)
	return n, nil
}
