// Command agentlanes runs workflow definitions against a pool of isolated
// agent workers.
//
// Usage:
//
//	agentlanes run <workflow.yaml> [flags]
//	agentlanes history list|show|replay|clear [args]
//	agentlanes version
//
// Events stream to stdout as NDJSON; logs go to stderr. The exit code
// reports the outcome: 0 completed, 1 failed or aborted, 2 rejected at a
// gate, 3 input or configuration error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/config"
	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/history"
	"github.com/agentlanes/agentlanes/internal/metrics"
	"github.com/agentlanes/agentlanes/internal/server"
	"github.com/agentlanes/agentlanes/internal/telemetry"
	"github.com/agentlanes/agentlanes/pool"
	"github.com/agentlanes/agentlanes/task"
	"github.com/agentlanes/agentlanes/transport"
	"github.com/agentlanes/agentlanes/workflow"
)

const (
	exitCompleted    = 0
	exitFailed       = 1
	exitGateRejected = 2
	exitInputError   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitInputError
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "history":
		return cmdHistory(args[1:])
	case "version":
		fmt.Println(version())
		return exitCompleted
	case "-h", "--help", "help":
		usage()
		return exitCompleted
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitInputError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `agentlanes - workflow executor for agent tasks

Commands:
  run <workflow.yaml>     execute a workflow
  history list            list archived executions
  history show <id>       print one archived execution
  history replay <id>     re-run an archived execution
  history clear           drop the archive
  version                 print the build version
`)
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// varFlags collects repeated --var key=value pairs.
type varFlags map[string]string

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "agentlanes.yaml", "configuration file")
	mock := fs.Bool("mock", false, "dry-run without workers or agent processes")
	workDir := fs.String("workdir", ".", "working directory tasks operate on")
	readOnly := fs.Bool("read-only", false, "forbid tasks from writing to the working tree")
	workflowsDir := fs.String("workflows-dir", "", "directory sub-workflow references resolve against")
	vars := varFlags{}
	fs.Var(&vars, "var", "workflow variable override (key=value, repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitInputError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "run: exactly one workflow file expected")
		return exitInputError
	}

	def, err := workflow.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}
	defer logger.Sync() //nolint:errcheck

	overrides := make(map[string]any, len(vars))
	for k, v := range vars {
		overrides[k] = v
	}

	resolverDir := *workflowsDir
	if resolverDir == "" {
		resolverDir = "."
	}

	_, code := execute(def, overrides, nil, cfg, runOptions{
		mock:        *mock,
		workDir:     *workDir,
		readOnly:    *readOnly,
		resolverDir: resolverDir,
	}, logger)
	return code
}

type runOptions struct {
	mock        bool
	workDir     string
	readOnly    bool
	resolverDir string
}

// execute wires the full stack and runs one workflow to terminal status.
// A non-nil seed resumes from archived node states.
func execute(def *workflow.Definition, vars map[string]any, seed map[string]*engine.NodeState, cfg *config.Config, opts runOptions, logger *zap.Logger) (*engine.Execution, int) {
	ctx := context.Background()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("telemetry init failed", zap.Error(err))
		return nil, exitInputError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("agentlanes", registry, logger)

	histService, cleanup, err := openHistory(ctx, cfg.History, logger)
	if err != nil {
		logger.Error("history init failed", zap.Error(err))
		return nil, exitInputError
	}
	defer cleanup()

	sinks := []engine.EventSink{transport.NewNDJSONWriter(os.Stdout, logger)}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		publisher := transport.NewRedisPublisher(client, cfg.Redis.Stream, logger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	var hub *server.Hub
	if cfg.Server.Enabled {
		hub = server.NewHub()
		sinks = append(sinks, hub)
	}

	var workers engine.WorkerProvider
	var adapter task.Adapter
	if !opts.mock {
		ports, err := pool.NewRangeAllocator(cfg.Pool.PortMin, cfg.Pool.PortMax)
		if err != nil {
			logger.Error("port allocator init failed", zap.Error(err))
			return nil, exitInputError
		}
		p := pool.New(pool.Config{
			MaxContainers:   cfg.Pool.MaxContainers,
			Image:           cfg.Pool.Image,
			DormancyTimeout: cfg.Pool.DormancyTimeout,
			HealthTimeout:   cfg.Pool.HealthTimeout,
			HealthInterval:  cfg.Pool.HealthInterval,
			WorkDir:         opts.workDir,
		}, pool.NewDockerRuntime(logger), ports, logger)
		p.SetMetrics(collector)
		if err := p.CleanupOrphans(ctx); err != nil {
			logger.Warn("orphan cleanup failed", zap.Error(err))
		}
		p.Start()
		defer func() {
			teardownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := p.Teardown(teardownCtx); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
				logger.Warn("pool teardown failed", zap.Error(err))
			}
		}()
		workers = p
		adapter = task.NewProcessAdapter(cfg.Task.Command, cfg.Task.Args, logger)
	}

	eng := engine.New(workers, adapter, logger, engine.Options{
		MockMode:            opts.mock,
		WorkDir:             opts.workDir,
		ReadOnly:            opts.readOnly,
		RetryBackoff:        cfg.Engine.RetryBackoff,
		MaxGateRevisions:    cfg.Engine.MaxGateRevisions,
		MaxSubWorkflowDepth: cfg.Engine.MaxSubWorkflowDepth,
		MaxLoopIterations:   cfg.Engine.MaxLoopIterations,
	})
	eng.SetResolver(workflow.DirResolver{Dir: opts.resolverDir})
	eng.SetMetrics(collector)
	eng.SetEvents(transport.Multi(sinks...))
	if histService != nil {
		eng.SetHistory(histService)
	}

	if cfg.Server.Enabled {
		api := server.NewAPI(eng, histService, hub, registry, logger)
		mgr := server.NewManager(api.Handler(cfg.Server.AuthSecret), cfg.Server, logger)
		if err := mgr.Start(); err != nil {
			logger.Error("control server start failed", zap.Error(err))
			return nil, exitInputError
		}
		defer func() {
			if err := mgr.Shutdown(context.Background()); err != nil {
				logger.Warn("control server shutdown failed", zap.Error(err))
			}
		}()
	}

	// A first signal aborts the run and tears the pool down; a second one
	// exits immediately.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		logger.Info("received signal, aborting execution", zap.String("signal", sig.String()))
		if err := eng.Abort(context.Background()); err != nil && !errors.Is(err, engine.ErrNoActiveExecution) {
			logger.Warn("abort failed", zap.Error(err))
		}
		<-sigCh
		os.Exit(exitFailed)
	}()

	exec, err := eng.StartSeeded(ctx, def, vars, seed)
	if err != nil {
		logger.Error("execution could not start", zap.Error(err))
		return nil, exitInputError
	}
	return exec, exitCode(exec)
}

func exitCode(exec *engine.Execution) int {
	if exec.GateRejected {
		return exitGateRejected
	}
	switch exec.Status {
	case engine.ExecutionCompleted:
		return exitCompleted
	default:
		return exitFailed
	}
}

// openHistory builds the archive service for the configured backend. The
// cleanup closes the service and any store resources.
func openHistory(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (*history.Service, func(), error) {
	var store history.Store
	closeStore := func() {}

	switch cfg.Backend {
	case "file":
		fs, err := history.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		store = fs
	case "sqlite":
		ss, err := history.NewSQLStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		store = ss
		closeStore = func() {
			if err := ss.Close(); err != nil {
				logger.Warn("history db close failed", zap.Error(err))
			}
		}
	case "memory":
		// ring only
	}

	svc := history.NewService(store, logger)
	if err := svc.Hydrate(ctx); err != nil {
		logger.Warn("history hydrate failed", zap.Error(err))
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("history close failed", zap.Error(err))
		}
		closeStore()
	}
	return svc, cleanup, nil
}

func cmdHistory(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "history: expected list, show, replay or clear")
		return exitInputError
	}

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "agentlanes.yaml", "configuration file")
	resume := fs.Bool("resume", false, "replay: seed completed nodes instead of re-running everything")
	mock := fs.Bool("mock", false, "replay: dry-run without workers")
	if err := fs.Parse(args[1:]); err != nil {
		return exitInputError
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	svc, cleanup, err := openHistory(ctx, cfg.History, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInputError
	}
	defer cleanup()

	switch args[0] {
	case "list":
		for _, s := range svc.List() {
			fmt.Printf("%s  %-9s  %-20s  %s\n", s.ID, s.Status, s.WorkflowID, s.EndedAt.Format(time.RFC3339))
		}
		return exitCompleted

	case "show":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "history show: execution id expected")
			return exitInputError
		}
		entry, err := svc.Get(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInputError
		}
		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailed
		}
		fmt.Println(string(out))
		return exitCompleted

	case "clear":
		if err := svc.Clear(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailed
		}
		if err := svc.Flush(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailed
		}
		return exitCompleted

	case "replay":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "history replay: execution id expected")
			return exitInputError
		}
		entry, err := svc.Get(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInputError
		}
		mode := history.ReplayFull
		if *resume {
			mode = history.ReplayResume
		}
		runner := &replayRunner{cfg: cfg, opts: runOptions{mock: *mock, workDir: ".", resolverDir: "."}, logger: logger}
		exec, err := svc.Replay(ctx, entry.ID, mode, runner)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInputError
		}
		return exitCode(exec)

	default:
		fmt.Fprintf(os.Stderr, "history: unknown subcommand %q\n", args[0])
		return exitInputError
	}
}

// replayRunner adapts the full execute wiring to the history.Runner surface.
type replayRunner struct {
	cfg    *config.Config
	opts   runOptions
	logger *zap.Logger
}

func (r *replayRunner) Start(_ context.Context, def *workflow.Definition, vars map[string]any) (*engine.Execution, error) {
	exec, code := execute(def, vars, nil, r.cfg, r.opts, r.logger)
	if exec == nil {
		return nil, fmt.Errorf("replay failed with exit code %d", code)
	}
	return exec, nil
}

func (r *replayRunner) StartSeeded(_ context.Context, def *workflow.Definition, vars map[string]any, seed map[string]*engine.NodeState) (*engine.Execution, error) {
	exec, code := execute(def, vars, seed, r.cfg, r.opts, r.logger)
	if exec == nil {
		return nil, fmt.Errorf("replay failed with exit code %d", code)
	}
	return exec, nil
}
