package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/carecast/internal/allocator"
	"github.com/foxzi/carecast/internal/api"
	"github.com/foxzi/carecast/internal/archive"
	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/config"
	"github.com/foxzi/carecast/internal/dispatcher"
	"github.com/foxzi/carecast/internal/executor"
	"github.com/foxzi/carecast/internal/metrics"
	"github.com/foxzi/carecast/internal/scheduler"
	"github.com/foxzi/carecast/internal/store"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.BoltStore
	audit         *audit.Log
	archive       *archive.Manager
	scheduler     *scheduler.Scheduler
	dispatcher    *dispatcher.Dispatcher
	sandbox       *executor.SandboxExecutor
	apiServer     *api.Server
	metrics       *metrics.Metrics
	collector     *metrics.Collector
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application. Nothing is started until Run.
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)
	loc := cfg.Location()

	// Create storage
	st, err := store.NewBoltStore(cfg.Storage.Path, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := &App{
		config: cfg,
		store:  st,
		audit:  auditLog,
		logger: logger,
	}

	exec, err := a.newExecutor()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.archive = archive.NewManager(st, auditLog, logger)

	a.scheduler, err = scheduler.New(st, auditLog, a.archive, scheduler.Options{
		Strategy: allocator.Strategy(cfg.Scheduler.Strategy),
		Allocator: allocator.Options{
			MinGap:   cfg.Scheduler.MinGap,
			Jitter:   cfg.JitterValue(),
			Spread:   cfg.Scheduler.Spread,
			Location: loc,
		},
		DefaultPerHour: cfg.Scheduler.DefaultPerHour,
		DefaultPerDay:  cfg.Scheduler.DefaultPerDay,
		MaxRecipients:  cfg.Scheduler.MaxRecipients,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	a.dispatcher = dispatcher.New(dispatcher.Config{
		BatchSize:    cfg.Dispatcher.BatchSize,
		PollInterval: cfg.Dispatcher.PollInterval,
		Concurrency:  cfg.Dispatcher.Concurrency,
		ClaimTimeout: cfg.Dispatcher.ClaimTimeout,
		ExecTimeout:  cfg.Executor.Timeout,
	}, st, exec, auditLog, a.archive, logger)

	var extra []api.RouteRegistrar
	if a.sandbox != nil {
		extra = append(extra, api.NewSandboxServer(a.sandbox))
	}
	a.apiServer = api.NewServer(api.Deps{
		Scheduler: a.scheduler,
		Ticker:    a.dispatcher,
		Store:     st,
		Audit:     auditLog,
	}, &cfg.API, logger, extra...)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)

		a.collector, err = metrics.NewCollector(st.DB(), a.metrics, engineStats{st}, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	return a, nil
}

func (a *App) newExecutor() (executor.Executor, error) {
	cfg := a.config.Executor

	switch cfg.Mode {
	case "http":
		a.logger.Info("provider executor enabled", "base_url", cfg.BaseURL)
		return executor.NewHTTPExecutor(executor.HTTPConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, a.logger), nil
	default:
		sb, err := executor.NewSandboxExecutor(a.store.DB(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox executor: %w", err)
		}
		sb.SetErrorSimulation(cfg.Sandbox.SimulateErrors, cfg.Sandbox.ErrorProbability)
		a.sandbox = sb
		a.logger.Info("sandbox executor enabled", "simulate_errors", cfg.Sandbox.SimulateErrors)
		return sb, nil
	}
}

// Scheduler returns the job scheduler
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Dispatcher returns the task dispatcher
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Store returns the job store
func (a *App) Store() *store.BoltStore {
	return a.store
}

// Sandbox returns the dry-run executor, nil in http mode
func (a *App) Sandbox() *executor.SandboxExecutor {
	return a.sandbox
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting carecast",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"strategy", a.config.Scheduler.Strategy,
		"executor", a.config.Executor.Mode,
		"dispatcher", a.config.Dispatcher.Enabled,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Dispatcher.Enabled {
		a.dispatcher.Start()
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop dispatcher first (stop accepting new work)
	if a.config.Dispatcher.Enabled {
		a.dispatcher.Stop()
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop collector (persists counters)
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.Close()

	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage handles
func (a *App) Close() {
	if err := a.audit.Close(); err != nil {
		a.logger.Error("audit log close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// engineStats adapts the store to the metrics collector
type engineStats struct {
	store store.Store
}

func (e engineStats) EngineStats(ctx context.Context) (*metrics.EngineStats, error) {
	s, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.EngineStats{LiveJobs: s.LiveJobs, DueTasks: s.DueTasks}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
