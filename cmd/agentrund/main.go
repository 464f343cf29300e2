package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentrun-dev/agentrun/go/internal/config"
	"github.com/agentrun-dev/agentrun/go/internal/httpapi"
	"github.com/agentrun-dev/agentrun/go/pkg/agent"
	"github.com/agentrun-dev/agentrun/go/pkg/events"
	"github.com/agentrun-dev/agentrun/go/pkg/generation"
	"github.com/agentrun-dev/agentrun/go/pkg/orchestrator"
	"github.com/agentrun-dev/agentrun/go/pkg/questions"
	"github.com/agentrun-dev/agentrun/go/pkg/sandbox"
	"github.com/agentrun-dev/agentrun/go/pkg/store"
)

const defaultConfigPath = "config/agentrund.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agentrund",
		Short: "Agent sandboxing and execution daemon",
		Long: `agentrund runs agent turns inside per-conversation sandboxes: a virtual
workspace for file tools, a Docker container for command execution, and an
interactive question gate for permissions and project selection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := loadConfiguration(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentrund",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("sandbox", cfg.Sandbox.Enabled))

	db, err := store.Open(store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	supervisor, err := buildSupervisor(cfg, db, logger)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	gate := questions.NewGate(logger)
	registry := generation.NewRegistry(logger)
	hub := events.NewHub()

	var sb orchestrator.Sandbox = orchestrator.NopSandbox{}
	if supervisor != nil {
		sb = supervisor
	}

	orch := orchestrator.New(db, sb, gate, registry, engine, hub, orchestrator.Config{
		EnableSandbox: cfg.Sandbox.Enabled,
		QuestionTTL:   cfg.Questions.TTL.Std(),
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	}, logger)

	api := httpapi.NewServer(orch, gate, db, hub, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE responses stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go runJanitor(ctx, cfg, supervisor, gate, logger)

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received, gracefully stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	cancel()
	orch.Wait()
	if supervisor != nil {
		supervisor.Close(shutdownCtx)
	}

	logger.Info("shutdown complete")
	return nil
}

func loadConfiguration(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		if err := config.SaveConfig(cfg, configPath); err == nil {
			fmt.Fprintf(os.Stderr, "default configuration saved to %s\n", configPath)
		}
		return cfg, nil
	}
	return config.LoadConfig(configPath)
}

func buildSupervisor(cfg *config.Config, db *store.Store, logger *zap.Logger) (*sandbox.Supervisor, error) {
	if !cfg.Sandbox.Enabled {
		return nil, nil
	}
	dockerEngine, err := sandbox.NewDockerEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return sandbox.NewSupervisor(dockerEngine, db, sandbox.Config{
		Image:       cfg.Sandbox.Image,
		WorkDir:     cfg.Sandbox.WorkDir,
		IdleTimeout: cfg.Sandbox.IdleTimeout.Std(),
		ExecTimeout: cfg.Sandbox.ExecTimeout.Std(),
	}, logger), nil
}

func buildEngine(cfg *config.Config) (agent.Engine, error) {
	switch cfg.Agent.Provider {
	case "openai":
		return agent.NewOpenAIEngine(cfg.Agent.APIKey, cfg.Agent.Model, cfg.Agent.BaseURL), nil
	case "scripted":
		return &agent.ScriptedEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown agent provider: %s", cfg.Agent.Provider)
	}
}

// runJanitor periodically reclaims idle containers and expires stale
// questions.
func runJanitor(ctx context.Context, cfg *config.Config, supervisor *sandbox.Supervisor, gate *questions.Gate, logger *zap.Logger) {
	containerTicker := time.NewTicker(cfg.Sandbox.SweepInterval.Std())
	defer containerTicker.Stop()
	questionTicker := time.NewTicker(cfg.Questions.SweepInterval.Std())
	defer questionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-containerTicker.C:
			if supervisor != nil {
				supervisor.CleanupExpired(ctx)
			}
		case <-questionTicker.C:
			gate.ExpireStale()
		}
	}
}
