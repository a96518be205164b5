package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
	"github.com/nextlevelbuilder/agentd/internal/gateway"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/runner"
	"github.com/nextlevelbuilder/agentd/internal/store"
	storefile "github.com/nextlevelbuilder/agentd/internal/store/file"
	storepg "github.com/nextlevelbuilder/agentd/internal/store/pg"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/tracing"
	"github.com/nextlevelbuilder/agentd/internal/tracing/otelexport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd daemon (gateway, runners, cron)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg := loadConfig()
	setupLogging(cfg)

	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %v\n", err)
		os.Exit(1)
	}

	providerReg := providers.NewRegistry()
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.CurrentTimeTool{})

	collector := startTracing(cfg)

	factory := runnerFactory(cfg, providerReg, toolReg, stores.Sessions, collector)
	runners := runner.NewRegistry(factory, stores.Sessions)

	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.NewService(cfg.Cron.StorePath, func(job *cron.Job) (string, error) {
			run, err := runners.GetOrCreate(context.Background(), job.AgentID)
			if err != nil {
				return "", fmt.Errorf("cron: resolve runner: %w", err)
			}
			if err := run.SendMessage(job.Payload.Message); err != nil {
				return "", fmt.Errorf("cron: submit message: %w", err)
			}
			return "submitted", nil
		})
		if err := cronSvc.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting cron: %v\n", err)
			os.Exit(1)
		}
	}

	gw := gateway.NewServer(cfg, gateway.Deps{
		Runners:  runners,
		Sessions: stores.Sessions,
		Tools:    toolReg,
		Cron:     cronSvc,
	})
	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting gateway: %v\n", err)
		os.Exit(1)
	}

	watcher := startConfigWatcher(cfg)

	slog.Info("agentd started", "addr", cfg.Gateway.Addr, "store", cfg.Store.Mode)

	// Block until shutdown signal.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	if cronSvc != nil {
		cronSvc.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}

	runners.Shutdown()
	if collector != nil {
		collector.Stop()
	}
	slog.Info("bye")
}

// openStores selects the persistence backend. Managed mode requires
// Postgres; standalone keeps JSON session files with a SQLite index.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Store.Mode == "managed" {
		if cfg.Store.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode requires store.postgres_dsn")
		}
		return storepg.NewStores(cfg.Store.PostgresDSN)
	}
	return storefile.NewStores(storeConfig(cfg))
}

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Mode:          cfg.Store.Mode,
		PostgresDSN:   cfg.Store.PostgresDSN,
		SessionsDir:   cfg.Store.DataDir + "/sessions",
		IndexPath:     cfg.Store.DataDir + "/index.db",
		CronStorePath: cfg.Cron.StorePath,
	}
}

// startTracing brings up the OTLP pipeline when enabled. Returns nil when
// tracing is off or the exporter cannot be built.
func startTracing(cfg *config.Config) *tracing.Collector {
	if !cfg.Tracing.Enabled {
		return nil
	}
	exp, err := otelexport.New(context.Background(), otelexport.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    true,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		slog.Warn("tracing disabled: exporter setup failed", "error", err)
		return nil
	}
	collector := tracing.NewCollector(exp)
	collector.Start()
	return collector
}

// runnerFactory builds per-agent runners from resolved config.
func runnerFactory(
	cfg *config.Config,
	providerReg *providers.Registry,
	toolReg *tools.Registry,
	sessions store.SessionStore,
	collector *tracing.Collector,
) runner.Factory {
	return func(agentID string) (*runner.Runner, error) {
		ac := cfg.Resolve(agentID)
		pc := cfg.Provider(ac.Provider)

		adapter, err := providerReg.New(ac.Provider)
		if err != nil {
			return nil, err
		}

		var limiter *providers.RateLimiter
		if pc.RPM > 0 {
			limiter = providers.NewRateLimiter(pc.RPM, 2)
		}

		run := runner.NewRunner(runner.Config{
			AgentID: agentID,
			Loop: agent.LoopConfig{
				ID:                agentID,
				Provider:          ac.Provider,
				Model:             ac.Model,
				SystemPrompt:      ac.SystemPrompt,
				MaxTokens:         ac.MaxTokens,
				Temperature:       ac.Temperature,
				APIKey:            pc.APIKey,
				APIBase:           pc.APIBase,
				InlineToolResults: ac.InlineToolResults,
				MaxIterations:     ac.MaxIterations,
				Context: agent.ContextConfig{
					Mode:        agent.ContextMode(ac.ContextMode),
					RecentTurns: ac.RecentTurns,
				},
				Adapter:         adapter,
				Tools:           tools.NewExecutor(toolReg, agentID),
				Limiter:         limiter,
				InjectionAction: cfg.Gateway.InjectionAction,
			},
			Store: sessions,
		})

		if collector != nil {
			rec := tracing.NewRecorder(collector, agentID, ac.Model, ac.Provider)
			run.Subscribe("tracing", rec.OnRunnerEvent)
			run.SubscribeAgentEvents("tracing", rec.OnAgentEvent)
		}
		return run, nil
	}
}

// startConfigWatcher hot-reloads log settings on config file changes. Deeper
// changes (providers, store mode) need a restart.
func startConfigWatcher(cfg *config.Config) *config.Watcher {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	watcher, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher setup failed", "error", err)
		return nil
	}
	watcher.OnChange(func(next *config.Config) {
		setupLogging(next)
		slog.Info("log settings reloaded; provider and store changes need a restart")
	})
	if err := watcher.Start(); err != nil {
		slog.Warn("config watcher start failed", "error", err)
		return nil
	}
	return watcher
}
