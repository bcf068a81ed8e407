package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Orchestrator runs every instrument pipeline together with the shared
// sink and, optionally, the archiver cron.
type Orchestrator struct {
	pipelines   []*Pipeline
	sink        *Sink
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger

	switchMu sync.Mutex
}

// NewOrchestrator creates a new Orchestrator. sink and archiver may be nil.
func NewOrchestrator(pipelines []*Pipeline, sink *Sink, archiver *Archiver, archiveCron string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pipelines:   pipelines,
		sink:        sink,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Pipelines returns the managed pipelines in configuration order.
func (o *Orchestrator) Pipelines() []*Pipeline {
	return o.pipelines
}

// Instruments lists the instruments currently streamed.
func (o *Orchestrator) Instruments() []string {
	out := make([]string, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		out = append(out, p.Instrument())
	}
	return out
}

// Lookup finds the pipeline currently streaming instrument.
func (o *Orchestrator) Lookup(instrument string) (*Pipeline, error) {
	for _, p := range o.pipelines {
		if strings.EqualFold(p.Instrument(), instrument) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, instrument)
}

// SwitchInstrument moves the pipeline streaming from onto to. Two pipelines
// never stream the same instrument.
func (o *Orchestrator) SwitchInstrument(ctx context.Context, from, to string) error {
	o.switchMu.Lock()
	defer o.switchMu.Unlock()

	p, err := o.Lookup(from)
	if err != nil {
		return err
	}
	if other, err := o.Lookup(to); err == nil && other != p {
		return fmt.Errorf("%w: %s is already streamed", domain.ErrInvalidConfig, to)
	}
	return p.SwitchInstrument(ctx, to)
}

// Run starts all pipelines, the sink and the archiver. The sink keeps
// running until every pipeline has stopped so bars closed during shutdown
// are still written.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		slog.Int("pipelines", len(o.pipelines)),
		slog.String("archive_cron", o.archiveCron),
	)

	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()
	sinkDone := make(chan error, 1)
	if o.sink != nil {
		go func() { sinkDone <- o.sink.Run(sinkCtx) }()
	} else {
		sinkDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range o.pipelines {
		g.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.Instrument(), err)
			}
			return nil
		})
	}
	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(gctx, o.archiveCron)
			if gctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	stopSink()
	if serr := <-sinkDone; serr != nil {
		err = errors.Join(err, serr)
	}
	if err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
