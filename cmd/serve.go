package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/devbot/internal/agent"
	"github.com/zjrosen/devbot/internal/config"
	"github.com/zjrosen/devbot/internal/flags"
	"github.com/zjrosen/devbot/internal/forge/github"
	"github.com/zjrosen/devbot/internal/gate"
	"github.com/zjrosen/devbot/internal/gitops"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/orchestrator"
	"github.com/zjrosen/devbot/internal/pipeline"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/server"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/supervisor"
	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/tracing"
	"github.com/zjrosen/devbot/internal/trigger"
	"github.com/zjrosen/devbot/internal/watcher"
)

// shutdownTimeout bounds the graceful drain: open streams, running
// pipelines, pending trace exports.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the devbot daemon",
	Long: `Run the daemon that receives platform webhooks and develops issues.

The daemon listens on server.addr (default :8080) and exposes the webhook
endpoint, the task API, SSE streams, and Prometheus metrics. Work drains
gracefully on SIGINT/SIGTERM: intake stops, running agents are terminated,
and the task store is closed.

Example:
  devbot serve                 # listen on the configured address
  devbot serve --addr :9090    # override the listen address`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := config.ValidateServe(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := log.Init(cfg.Log.File)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))

	log.Info(log.CatConfig, "devbot daemon starting",
		"config", viper.ConfigFileUsed(), "data_dir", cfg.DataDir)

	// Fail fast on a bad repository path before the first webhook arrives.
	repoInfo, err := gitops.Inspect(cfg.Repository.Path)
	if err != nil {
		return fmt.Errorf("validating repository: %w", err)
	}
	log.Info(log.CatGit, "repository validated",
		"path", cfg.Repository.Path, "branch", repoInfo.Branch, "commit", repoInfo.Commit)

	if _, err := agent.LoadPromptTemplate(cfg.Agent.PromptFile); err != nil {
		return fmt.Errorf("validating prompt template: %w", err)
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.Exporter == "file" {
		tracingCfg.FilePath = cfg.EffectiveTraceFile()
	}
	tracer, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := store.NewDB(cfg.EffectiveDBPath())
	if err != nil {
		return fmt.Errorf("opening task database: %w", err)
	}
	repo := db.Tasks()

	flagRegistry := flags.New(cfg.Flags)
	pipelineGate := gate.New(cfg.MaxConcurrent)
	sup := supervisor.New()

	transcriptDir := ""
	if flagRegistry.Enabled(flags.FlagAgentTranscripts) {
		transcriptDir = cfg.TranscriptDir()
	}
	runner := agent.NewRunner(cfg.Agent, cfg.Repository.Path, repo, sup, transcriptDir)

	forgeClient := github.NewClient(cfg.Forge)
	events := pubsub.NewBroker[task.Event]()

	executor := pipeline.NewExecutor(pipeline.Config{
		Store:          repo,
		Gate:           pipelineGate,
		Agent:          runner,
		Git:            gitops.NewCLI(cfg.Repository, cfg.BranchTemplate),
		Forge:          forgeClient,
		Events:         events,
		Tracer:         tracer.Tracer(),
		CommitTemplate: cfg.CommitTemplate,
		DefaultBranch:  cfg.Repository.DefaultBranch,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:      repo,
		Executor:   executor,
		Supervisor: sup,
		Forge:      forgeClient,
		Events:     events,
		Policy:     trigger.Policy{Label: cfg.Trigger.Label, Command: cfg.Trigger.Command},
	})

	handler := server.NewHandler(server.HandlerConfig{
		Dispatcher:    orch,
		Store:         repo,
		Gate:          pipelineGate,
		WebhookSecret: cfg.Server.WebhookSecret,
		Flags:         flagRegistry,
	})

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	serverCfg := server.ServerConfig{Addr: addr, Handler: handler}
	if tracer.Enabled() {
		serverCfg.Tracer = tracer.Tracer()
	}
	srv, err := server.NewServer(serverCfg)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	stopWatcher := watchTriggerConfig(flagRegistry, orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("devbot daemon listening on port %d\n", srv.Port())
	fmt.Println("Press Ctrl+C to stop")

	var runErr error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Drain order: stop intake first, then running pipelines, then state.
	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatServer, "error stopping API server", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatPipeline, "error draining pipelines", err)
	}
	stopWatcher()
	if err := db.Close(); err != nil {
		log.ErrorErr(log.CatStore, "error closing task database", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTracing, "error flushing traces", err)
	}

	fmt.Println("Daemon stopped")
	return runErr
}

// watchTriggerConfig applies trigger policy edits without a restart when
// the trigger-reload flag is on. The returned func stops the watcher.
func watchTriggerConfig(reg *flags.Registry, orch *orchestrator.Orchestrator) func() {
	if !reg.Enabled(flags.FlagTriggerReload) {
		return func() {}
	}
	path := viper.ConfigFileUsed()
	if path == "" {
		return func() {}
	}

	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.Warn(log.CatWatcher, "config watcher unavailable", "error", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.Warn(log.CatWatcher, "config watcher unavailable", "error", err)
		_ = w.Stop()
		return func() {}
	}

	go func() {
		for range changes {
			var fresh config.Config
			if err := viper.ReadInConfig(); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "error", err)
				continue
			}
			if err := viper.Unmarshal(&fresh); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "error", err)
				continue
			}
			if fresh.Trigger.Label == "" && fresh.Trigger.Command == "" {
				log.Warn(log.CatConfig, "config reload ignored, no trigger configured")
				continue
			}
			orch.UpdatePolicy(trigger.Policy{Label: fresh.Trigger.Label, Command: fresh.Trigger.Command})
		}
	}()

	log.Info(log.CatWatcher, "watching config for trigger changes", "path", path)
	return func() { _ = w.Stop() }
}
