package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hakim/helmsman/internal/config"
	"github.com/hakim/helmsman/internal/logger"
	"github.com/hakim/helmsman/internal/observability"
	"github.com/hakim/helmsman/internal/tracing"
	"github.com/hakim/helmsman/pkg/agent"
	"github.com/hakim/helmsman/pkg/coretools"
	"github.com/hakim/helmsman/pkg/gateway"
	"github.com/hakim/helmsman/pkg/grants"
	"github.com/hakim/helmsman/pkg/journal"
	"github.com/hakim/helmsman/pkg/orchestrator"
	"github.com/hakim/helmsman/pkg/toolgateway"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the helmsman daemon",
	Long: `Start the helmsman daemon: recover stale agents from the journal,
bring up the tool gateway and orchestrator, and serve the WebSocket RPC
endpoint until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("helmsman"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	store, err := journal.OpenStore(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()

	cleanup := journal.NewCleanup(store, time.Duration(cfg.Journal.RetentionDays)*24*time.Hour)
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("failed to start retention cleanup: %w", err)
	}
	defer cleanup.Stop()

	orch, err := buildOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}
	defer orch.Close()

	if _, err := orch.RecoverStale(); err != nil {
		return fmt.Errorf("failed to recover stale agents: %w", err)
	}

	stopWatch, err := loader.Watch(func(next *config.Config) {
		log.Info().Msg("Configuration changed; restart to apply gateway or provider changes")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watching disabled")
	} else {
		defer stopWatch()
	}

	var server *gateway.Server
	errCh := make(chan error, 1)
	if cfg.Gateway.Enabled {
		server, err = gateway.NewServer(gateway.Config{
			Port:              cfg.Gateway.Port,
			SharedSecret:      cfg.Gateway.SharedSecret,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Orchestrator:      orch,
			Logger:            log,
		})
		if err != nil {
			return err
		}
		go func() {
			errCh <- server.Start()
		}()
	}

	log.Info().Str("version", version).Str("provider", cfg.Provider).Msg("Helmsman started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Gateway shutdown incomplete")
		}
	}
	return nil
}

// buildOrchestrator assembles the tool set, provider, and orchestrator from
// config.
func buildOrchestrator(cfg *config.Config, store *journal.Store, log zerolog.Logger) (*orchestrator.Orchestrator, error) {
	set := toolgateway.NewSet()
	if err := coretools.Register(set, coretools.Options{WorkspaceRoot: cfg.Tools.WorkspaceDir}); err != nil {
		return nil, err
	}
	gw := toolgateway.New(set, cfg.Tools.AutoApprove, log)

	var provider agent.StreamProvider
	switch cfg.Provider {
	case "anthropic":
		provider = agent.NewAnthropicProvider(cfg.AI.AnthropicAPIKey, log)
	case "openai":
		provider = agent.NewOpenAIProvider(cfg.AI.OpenAIAPIKey, log)
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
	}

	return orchestrator.New(orchestrator.Options{
		Runner:           agent.NewRunner(provider, log),
		Gateway:          gw,
		Grants:           grants.NewStore(time.Duration(cfg.Tools.GrantTTLSeconds) * time.Second),
		Store:            store,
		Debounce:         cfg.Journal.Debounce(),
		RequiresApproval: cfg.Tools.RequiresApproval,
		Model:            cfg.AI.Model,
		SystemPrompt:     cfg.AI.SystemPrompt,
		MaxTokens:        cfg.AI.MaxTokens,
		Temperature:      cfg.AI.Temperature,
		Logger:           log,
	})
}
