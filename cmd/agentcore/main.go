// Command agentcore runs the orchestration core as an interactive session:
// it wires configuration into the service and streams each reply to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concordhq/agentcore/config"
	"github.com/concordhq/agentcore/core"
	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/observe"
	"github.com/concordhq/agentcore/observe/metrics"
	"github.com/concordhq/agentcore/observe/redisstream"
	"github.com/concordhq/agentcore/providers/factory"
	"github.com/concordhq/agentcore/rag"
	"github.com/concordhq/agentcore/state/sqlite"
	"github.com/concordhq/agentcore/stream"
	"github.com/concordhq/agentcore/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to the JSON configuration file")
		mode        = flag.String("mode", string(core.ModeSingle), "execution mode: single, multi, or workflow")
		session     = flag.String("session", "", "session id to resume (a new one is created when empty)")
		role        = flag.String("role", "", "caller role used for tool filtering")
		template    = flag.String("template", "", "workflow template name (workflow mode only)")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
		knowledge   = flag.String("knowledge-dir", "", "index .md/.txt files from this directory for retrieve_knowledge")
		verbose     = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics_server_failed", "addr", *metricsAddr, "error", err)
			}
		}()
		logger.Info("metrics_server_started", "addr", *metricsAddr)
	}

	sinks := []observe.Sink{observe.LoggerSink{Logger: logger}}
	if cfg.RedisAddr != "" {
		rs, err := redisstream.New(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis sink: %w", err)
		}
		defer rs.Close()
		async := observe.NewAsyncSink(rs, 256)
		defer async.Close()
		sinks = append(sinks, async)
		logger.Info("redis_sink_attached", "addr", cfg.RedisAddr)
	}
	sink := observe.NewMultiSink(sinks...)

	if dir := filepath.Dir(cfg.CheckpointDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.CheckpointDBPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := factory.NewGateway(ctx, cfg, factory.Deps{Logger: logger, Sink: sink})
	if err != nil {
		return err
	}

	coreOpts := []core.Option{
		core.WithLogger(logger),
		core.WithSink(sink),
		core.WithMetrics(mtr),
	}
	if *knowledge != "" {
		retriever, n, err := buildRetriever(ctx, cfg, *knowledge)
		if err != nil {
			return err
		}
		coreOpts = append(coreOpts, core.WithRetriever(retriever))
		logger.Info("knowledge_base_loaded", "dir", *knowledge, "fragments", n)
	}

	svc, err := core.New(ctx, cfg, gateway, store, coreOpts...)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Close()

	sessionID := *session
	if sessionID == "" {
		sessionID = uuid.NewString()
		fmt.Printf("session %s\n", sessionID)
	}

	return repl(ctx, svc, replOptions{
		mode:     core.Mode(*mode),
		session:  sessionID,
		role:     *role,
		template: *template,
	})
}

// buildRetriever embeds the knowledge directory into an in-memory index.
// Embeddings need an OpenAI key; the other backends have no embedding API
// wired here.
func buildRetriever(ctx context.Context, cfg config.Config, dir string) (*rag.Retriever, int, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, 0, fmt.Errorf("knowledge indexing requires OPENAI_API_KEY for embeddings")
	}
	embedder, err := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey)
	if err != nil {
		return nil, 0, err
	}
	store := rag.NewMemoryStore()
	n, err := rag.LoadDir(ctx, store, embedder, dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to index knowledge directory: %w", err)
	}
	return &rag.Retriever{Embedder: embedder, Store: store}, n, nil
}

type replOptions struct {
	mode     core.Mode
	session  string
	role     string
	template string
}

// repl reads one request per line and streams the response. Lines starting
// with "/" are service commands.
func repl(ctx context.Context, svc *core.Service, opts replOptions) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Printf("mode %s. Type a request, or /help.\n", opts.mode)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, svc, opts, line); quit {
				return nil
			}
			continue
		}

		mux := svc.ExecuteStream(ctx, core.ExecuteRequest{
			Mode:      opts.mode,
			SessionID: opts.session,
			Role:      opts.role,
			Template:  opts.template,
			Messages:  []types.Message{types.NewMessage(types.RoleUser, line)},
		})
		for chunk := range mux.Chunks() {
			switch chunk.Kind {
			case stream.KindToken:
				fmt.Print(chunk.Text)
			case stream.KindHandoff:
				fmt.Printf("\n[-> %s]\n", chunk.Worker)
			case stream.KindError:
				fmt.Printf("\nerror: %s\n", chunk.Error)
			}
		}
		fmt.Println()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// command handles the /-prefixed service commands. Returns true to quit.
func command(ctx context.Context, svc *core.Service, opts replOptions, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("/history  /clear  /approvals  /approve <id>  /reject <id>  /templates  /quit")
	case "/history":
		msgs, err := svc.History(ctx, opts.session)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}
	case "/clear":
		if err := svc.ClearHistory(ctx, opts.session); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("history cleared")
		}
	case "/approvals":
		for _, req := range svc.ListPendingApprovals(opts.session) {
			fmt.Printf("%s  %s  expires %s\n", req.ID, req.ToolCall.Name, req.ExpiresAt.Format("15:04:05"))
		}
	case "/approve", "/reject":
		if len(fields) < 2 {
			fmt.Println("usage:", fields[0], "<id>")
			break
		}
		var err error
		if fields[0] == "/approve" {
			_, err = svc.Approve(ctx, fields[1], opts.session)
		} else {
			_, err = svc.Reject(ctx, fields[1], opts.session)
		}
		if err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("ok")
		}
	case "/templates":
		for _, t := range svc.ListWorkflowTemplates() {
			fmt.Printf("%s  %s\n", t[0], t[1])
		}
	default:
		fmt.Println("unknown command; /help lists the available ones")
	}
	return false
}
