package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/decision"
	"github.com/fyrsmithlabs/dialogd/internal/httpapi"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/memory"
	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
	"github.com/fyrsmithlabs/dialogd/internal/persistence"
	"github.com/fyrsmithlabs/dialogd/internal/prompt"
	"github.com/fyrsmithlabs/dialogd/internal/safety"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dialogd HTTP server",
	Long: `Start the dialogd HTTP server.

Configuration precedence, highest first: environment variables (DIALOGD_*),
the --config YAML file, built-in defaults.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return run(ctx)
}

// run initializes all collaborators and blocks until ctx is canceled:
//
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Loads the stage graph, prompts and safety keyword config
//  4. Builds the model clients and the orchestrator
//  5. Starts the HTTP server and shuts it down gracefully
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dialogd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
	)

	stages, err := stage.LoadFile(cfg.Dialogue.StagesFile)
	if err != nil {
		return fmt.Errorf("failed to load stages: %w", err)
	}

	prompts, err := prompt.NewFileProvider(cfg.Dialogue.PromptsDir, logger.Named("prompt"))
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	if cfg.Dialogue.WatchPrompts {
		if err := prompts.Watch(); err != nil {
			return fmt.Errorf("failed to watch prompts: %w", err)
		}
		defer prompts.Close()
	}

	safetyCfg := safety.NewDefaultConfig()
	if cfg.Dialogue.SafetyFile != "" {
		safetyCfg, err = safety.LoadConfig(cfg.Dialogue.SafetyFile)
		if err != nil {
			return fmt.Errorf("failed to load safety config: %w", err)
		}
	}
	checker, err := safety.NewChecker(safetyCfg, logger.Named("safety"))
	if err != nil {
		return err
	}

	supervisor, err := llm.NewLangchainClient(cfg.Supervisor, logger.Named("supervisor"))
	if err != nil {
		return fmt.Errorf("failed to create supervisor client: %w", err)
	}
	therapist, err := llm.NewLangchainClient(cfg.Therapist, logger.Named("therapist"))
	if err != nil {
		return fmt.Errorf("failed to create therapist client: %w", err)
	}

	strategy, err := memory.NewStrategy(cfg.Memory, logger.Named("memory"))
	if err != nil {
		return err
	}

	var store persistence.Store = persistence.NopStore{}
	if cfg.Persistence.Enabled {
		store, err = persistence.NewFileStore(cfg.Persistence.Dir, logger.Named("persistence"))
		if err != nil {
			return err
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Supervisor: supervisor,
		Therapist:  therapist,
		Stages:     stages,
		Memory:     strategy,
		Parser:     decision.NewParser(logger.Named("decision")),
		Safety:     checker,
		Prompts:    prompts,
		Store:      store,
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(cfg.Server, cfg.Dialogue.TurnTimeout, orch, stages, logger.Named("http"))
	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("dialogd shutdown complete")
	return nil
}
