// Package bootstrap wires configuration, logging, telemetry and the database
// into an App, and runs the long-lived components under one signal-aware
// lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	"wholesale_backend/pkg/logging"
	"wholesale_backend/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the dependencies every component hangs off.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Store     *store.Store
	Telemetry *telemetry.Telemetry
}

// NewApp loads and validates configuration, then brings up telemetry,
// logging and the database in that order. Telemetry first so the zap otel
// bridge attaches to a real provider.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("wholesale_backend")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger, Store: st, Telemetry: tel}, nil
}

// Runner is a long-lived component that stops when its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts plain functions to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until a termination signal or the first
// runner failure. The shared context is cancelled either way, so the rest
// shut down behind it.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("starting application",
		"environment", a.Cfg.App.Environment, "components", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Close releases held resources. Call after Run returns: HTTP and queue
// runners are already drained by then, so the database closes last.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
