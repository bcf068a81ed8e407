package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/feed"
	"github.com/alanyoungcy/orderflow/internal/footprint"
	"github.com/alanyoungcy/orderflow/internal/notify"
	"github.com/alanyoungcy/orderflow/internal/pipeline"
	"github.com/alanyoungcy/orderflow/internal/server"
	"github.com/alanyoungcy/orderflow/internal/server/handler"
	"github.com/alanyoungcy/orderflow/internal/server/ws"
	"github.com/alanyoungcy/orderflow/internal/state"
)

// StreamMode aggregates every configured instrument and writes the results
// to the enabled backends. Live updates go out on the Redis bus when it is
// configured.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode", slog.String("component", "app"))

	var pubs []pipeline.Publisher
	if deps.SignalBus != nil {
		pubs = append(pubs, deps.SignalBus)
	}
	orch, err := a.buildOrchestrator(deps, pubs, false)
	if err != nil {
		return err
	}
	return orch.Run(ctx)
}

// ServeMode streams like StreamMode and serves the HTTP and websocket API.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.String("component", "app"))
	return a.serve(ctx, deps, false)
}

// FullMode is ServeMode plus the archive cron.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.String("component", "app"))
	return a.serve(ctx, deps, true)
}

// ArchiveMode runs only the archive cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode", slog.String("component", "app"))
	archiver := a.newArchiver(deps)
	if archiver == nil {
		return fmt.Errorf("app: archive mode: %w: postgres and s3 are required", domain.ErrInvalidConfig)
	}
	err := archiver.RunCron(ctx, a.cfg.Archive.Cron)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serve(ctx context.Context, deps *Dependencies, withArchive bool) error {
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(a.logger, ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()})
	g.Go(func() error { return hub.Run(ctx) })

	// With Redis the hub listens on the bus so every API replica sees the
	// same events; without it the sink feeds the hub directly.
	var pubs []pipeline.Publisher
	if deps.SignalBus != nil {
		pubs = append(pubs, deps.SignalBus)
		g.Go(func() error { return hub.Bridge(ctx, deps.SignalBus, ws.DefaultPatterns) })
	} else {
		pubs = append(pubs, hub)
	}

	orch, err := a.buildOrchestrator(deps, pubs, withArchive)
	if err != nil {
		return err
	}
	g.Go(func() error { return orch.Run(ctx) })

	if !a.cfg.Server.Enabled {
		return g.Wait()
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Instruments: handler.NewInstrumentHandler(orch, deps.BookCache, a.logger),
		Control:     handler.NewControlHandler(orch, a.logger),
		History: handler.NewHistoryHandler(orch, handler.HistorySources{
			Bars:          deps.BarStore,
			BarCache:      deps.BarCache,
			Events:        deps.EventStore,
			Blobs:         deps.BlobReader,
			ArchivePrefix: a.cfg.Archive.Prefix,
			Bus:           deps.SignalBus,
		}, a.logger),
		Hub:     hub,
		Limiter: deps.RateLimiter,
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// buildOrchestrator creates the shared sink and one pipeline per configured
// instrument.
func (a *App) buildOrchestrator(deps *Dependencies, pubs []pipeline.Publisher, withArchive bool) (*pipeline.Orchestrator, error) {
	sink := pipeline.NewSink(pipeline.SinkConfig{QueueSize: a.cfg.Aggregation.SinkQueue}, pipeline.SinkTargets{
		Bars:       deps.BarCache,
		Books:      deps.BookCache,
		Store:      deps.BarStore,
		Events:     deps.EventStore,
		Stream:     deps.SignalBus,
		Publishers: pubs,
	}, deps.Metrics, a.logger)

	dedup, err := feed.ParseDedupPolicy(a.cfg.Feed.DedupKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	feedCfg := feed.Config{
		URLTemplate:       a.cfg.Feed.URLTemplate,
		BaseInterval:      a.cfg.Feed.BaseInterval.Duration,
		CapMultiplier:     a.cfg.Feed.CapMultiplier,
		MaxAttempts:       a.cfg.Feed.MaxAttempts,
		HeartbeatInterval: a.cfg.Feed.HeartbeatInterval.Duration,
		HandshakeTimeout:  a.cfg.Feed.HandshakeTimeout.Duration,
	}

	var alerts pipeline.Alerter
	if deps.Notifier.Enabled() {
		alerts = deps.Notifier
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(a.cfg.Instruments))
	for _, sym := range a.cfg.Symbols() {
		ic := a.cfg.Instrument(sym)
		p, err := pipeline.New(pipeline.Config{
			Instrument:        ic.Symbol,
			TickSize:          ic.TickSize,
			Timeframe:         ic.Timeframe,
			Boundary:          footprint.Boundary(ic.Boundary),
			VolumeThreshold:   ic.VolumeThreshold,
			ImbalanceRatio:    ic.ImbalanceRatio,
			ResetBarsOnSwitch: a.cfg.Aggregation.ResetBarsOnSwitch,
			ClockInterval:     a.cfg.Aggregation.ClockInterval.Duration,
			ClockGrace:        a.cfg.Aggregation.ClockGrace.Duration,
			Dedup:             dedup,
			DedupTTL:          a.cfg.Feed.DedupTTL.Duration,
		}, pipeline.Deps{
			Source:  feed.NewManager(feedCfg, a.logger),
			Store:   state.New(ic.Symbol, a.cfg.Store.TradeCapacity, a.cfg.Store.BarCapacity),
			Sink:    sink,
			Alerts:  alerts,
			Metrics: deps.Metrics,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: instrument %s: %w", sym, err)
		}
		pipelines = append(pipelines, p)
	}

	var archiver *pipeline.Archiver
	if withArchive {
		if archiver = a.newArchiver(deps); archiver == nil {
			a.logger.Warn("archive cron disabled, postgres and s3 are both required",
				slog.String("component", "app"),
			)
		}
	}
	return pipeline.NewOrchestrator(pipelines, sink, archiver, a.cfg.Archive.Cron, a.logger), nil
}

func (a *App) newArchiver(deps *Dependencies) *pipeline.Archiver {
	if deps.Archiver == nil || deps.BarStore == nil {
		return nil
	}
	ad := pipeline.ArchiverDeps{
		Blob:    deps.Archiver,
		Bars:    deps.BarStore,
		Metrics: deps.Metrics,
		Logger:  a.logger,
	}
	if deps.LockManager != nil {
		ad.Lock = deps.LockManager
	}
	if deps.Notifier.Enabled() {
		ad.Alerts = deps.Notifier
	}
	return pipeline.NewArchiver(ad, a.cfg.Archive.RetentionDays)
}

var (
	_ pipeline.Source         = (*feed.Manager)(nil)
	_ pipeline.Alerter        = (*notify.Notifier)(nil)
	_ pipeline.ArchiveAlerter = (*notify.Notifier)(nil)
	_ pipeline.Publisher      = (*ws.Hub)(nil)
)
