// Package app wires the backing services, builds one pipeline per
// configured instrument and runs the goroutines the selected mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/orderflow/internal/config"
)

// modeFunc runs one operating mode until ctx is cancelled.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"stream":  (*App).StreamMode,
	"serve":   (*App).ServeMode,
	"archive": (*App).ArchiveMode,
	"full":    (*App).FullMode,
}

// App owns the configuration, the logger and the cleanup of whatever Run
// wired.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires the dependencies and blocks in the configured mode until ctx
// is cancelled. Close releases what Run acquired.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting application",
		slog.String("component", "app"),
		slog.String("mode", mode),
		slog.Any("instruments", a.cfg.Symbols()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	return run(a, ctx, deps)
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close tears down resources in reverse registration order. Later calls
// are no-ops.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	a.logger.Info("shutting down application", slog.String("component", "app"))
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
