package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/config"
	"github.com/haasonsaas/convcore/internal/convexec"
	"github.com/haasonsaas/convcore/internal/convmodel"
	"github.com/haasonsaas/convcore/internal/convnotify"
	"github.com/haasonsaas/convcore/internal/convrun"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/convtools"
	"github.com/haasonsaas/convcore/internal/idgen"
	"github.com/haasonsaas/convcore/internal/infra"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/internal/subagent"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation runtime core server",
		Long: `Start the conversation runtime core server.

The server will:
1. Load configuration from the specified file (defaults used if omitted)
2. Open the configured storage adapter (in-memory, SQLite, or CockroachDB)
3. Build the effect executor, supervisor registry, and client notifier
4. Start the HTTP/SSE surface and the Prometheus metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (in-memory storage, no LLM calls made)
  convcore-server serve

  # Start against a config file
  convcore-server serve --config convcore.yaml

  # Start with debug logging
  convcore-server serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults used if omitted)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// loadConfig reads configPath if given, otherwise falls back to
// config.Default(). A present path is never silently ignored.
func loadConfig(configPath string) (*config.Config, error) {
	if strings.TrimSpace(configPath) == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// runServe wires every conversation runtime core component and runs the
// HTTP server until a shutdown signal arrives or it fails outright.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "convcore-server",
		Endpoint:     cfg.Observability.Tracing.Endpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	slog.Info("starting convcore-server",
		"version", version,
		"commit", commit,
		"config", configPath,
		"storage_dsn", redactDSN(cfg.Storage.DSN),
		"llm_provider", cfg.LLM.Provider,
	)

	storage, closeStorage, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer closeStorage()

	model, err := buildModelClient(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}

	tools, err := convtools.NewRegistry(
		convtools.NewShellTool(),
		convtools.NewFileReadTool(0),
	)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	// Registry, Coordinator, and Executor have a genuine construction
	// cycle (see Registry.SetExecutor's doc comment): build the Registry
	// with Config.Executor nil, build the Coordinator over it, build the
	// Executor over the Coordinator, then close the loop.
	registry := convrun.NewRegistry(convrun.Config{
		Storage:     storage,
		AttemptCap:  cfg.Retry.AttemptCap,
		RetryPolicy: backoff.BackoffPolicy{
			InitialMs: float64(cfg.Retry.BaseDelay.Milliseconds()),
			MaxMs:     float64(cfg.Retry.MaxDelay.Milliseconds()),
			Factor:    2,
			Jitter:    0.1,
		},
		Jitter:      func() float64 { return 0.5 },
		Clock:       idgen.SystemClock{},
		Ids:         idgen.UUIDs{},
		IdleTimeout: cfg.Notifier.IdleEviction,
		Logger:      logger,
		Metrics:     metrics,
	})

	coordinator := subagent.NewCoordinator(registry, registry, cfg.SubAgents.MaxDepth, cfg.SubAgents.MaxActive)
	notifier := convnotify.NewNotifier(storage, registry, logger, metrics, cfg.Notifier.RingSize)

	executor := convexec.NewExecutor(storage, model, tools, coordinator, notifier, metrics, tracer, logger, cfg.Tools.MaxConcurrentExec)
	registry.SetExecutor(executor)

	server := &apiServer{
		storage:  storage,
		registry: registry,
		notifier: notifier,
	}

	mux := http.NewServeMux()
	server.routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdown := infra.NewShutdownCoordinator(cfg.Notifier.ShutdownGrace, slog.Default())
	shutdown.RegisterService("http-server", func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})
	shutdown.RegisterService("metrics-server", func(ctx context.Context) error {
		return metricsServer.Shutdown(ctx)
	})
	// The conversation registry drains in its own phase, after the HTTP
	// servers stop accepting work but before phaseCleanup, since it is
	// itself a connection to every supervisor's storage-backed state.
	shutdown.RegisterConnection("conversation-registry", registry.Shutdown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Notifier.ShutdownGrace)
	defer shutdownCancel()

	var shutdownErr error
	for _, result := range shutdown.Shutdown(shutdownCtx) {
		if result.Error != nil {
			shutdownErr = result.Error
		}
	}
	return shutdownErr
}

// buildStorage selects a Storage adapter by cfg.DSN's scheme: "memory://"
// for the in-memory adapter, "postgres://"/"cockroach://" for
// CockroachDB, and anything else treated as a SQLite file path.
func buildStorage(ctx context.Context, cfg config.StorageConfig) (convstore.Storage, func(), error) {
	switch {
	case strings.HasPrefix(cfg.DSN, "memory://"):
		return convstore.NewMemoryStore(), func() {}, nil

	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "cockroach://"):
		ccfg := convstore.DefaultCockroachConfig(cfg.DSN)
		if cfg.MaxOpenConns > 0 {
			ccfg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			ccfg.MaxIdleConns = cfg.MaxIdleConns
		}
		if cfg.ConnMaxLifetime > 0 {
			ccfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		store, err := convstore.NewCockroachStore(ctx, ccfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		store, err := convstore.NewSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// buildModelClient selects a ModelClient by cfg.Provider. Every provider
// that actually calls out over the network is wrapped in a circuit
// breaker, so a sustained run of failures against that provider fails
// fast instead of piling up timeouts across every conversation still
// trying it.
func buildModelClient(ctx context.Context, cfg config.LLMConfig) (convmodel.ModelClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return withCircuitBreaker(convmodel.NewAnthropicClient(convmodel.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}), cfg), nil
	case "bedrock":
		client, err := convmodel.NewBedrockClient(ctx, convmodel.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return withCircuitBreaker(client, cfg), nil
	case "openai":
		return withCircuitBreaker(convmodel.NewOpenAIClient(convmodel.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}), cfg), nil
	case "deterministic", "":
		return &convmodel.FakeClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func withCircuitBreaker(client convmodel.ModelClient, cfg config.LLMConfig) *convmodel.CircuitBreakerClient {
	return convmodel.NewCircuitBreakerClient(client, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
}

// redactDSN hides credentials embedded in a connection string before it
// ever reaches a log line.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// openConfiguredDB opens a *sql.DB for the migrate subcommands, following
// the same DSN-scheme convention buildStorage uses. It refuses
// "memory://" since there is no schema to migrate for that adapter.
func openConfiguredDB(ctx context.Context, cfg config.StorageConfig) (*sql.DB, string, error) {
	switch {
	case strings.HasPrefix(cfg.DSN, "memory://"):
		return nil, "", fmt.Errorf("storage.dsn is memory://: nothing to migrate")
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "cockroach://"):
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("ping database: %w", err)
		}
		return db, "cockroach", nil
	default:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("ping database: %w", err)
		}
		return db, "sqlite", nil
	}
}
