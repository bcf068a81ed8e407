// Package pipeline composes the feed, the aggregator, the book maintainer
// and the state store into one running unit per instrument, and moves
// their output to the backing stores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/orderflow/internal/book"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/feed"
	"github.com/alanyoungcy/orderflow/internal/footprint"
	"github.com/alanyoungcy/orderflow/internal/instrumentation"
	"github.com/alanyoungcy/orderflow/internal/state"
)

// ErrStopped is returned by control calls once Run has returned.
var ErrStopped = errors.New("pipeline stopped")

const (
	defaultEventBuffer = 4096
	alertTimeout       = 15 * time.Second
)

// Source is the streaming connection a pipeline consumes. *feed.Manager
// satisfies it.
type Source interface {
	Connect(instrument string) error
	Disconnect()
	OnTrade(feed.TradeHandler)
	OnBookUpdate(feed.BookHandler)
	OnStateChange(feed.StateHandler)
}

// Alerter is told about terminal connection failures and recoveries.
type Alerter interface {
	ConnectionFailed(ctx context.Context, instrument string, cause error) error
	ConnectionRestored(ctx context.Context, instrument string) error
}

// Config holds the per-instrument aggregation settings.
type Config struct {
	Instrument        string
	TickSize          float64
	Timeframe         string
	Boundary          footprint.Boundary
	VolumeThreshold   float64
	ImbalanceRatio    float64
	ResetBarsOnSwitch bool
	ClockInterval     time.Duration
	Dedup             feed.DedupPolicy
	DedupTTL          time.Duration
	EventBuffer       int

	// ClockGrace holds back clock-driven bar closes so trades delayed in
	// transit still land in their own bar.
	ClockGrace time.Duration
}

// Deps are the collaborators of a Pipeline. Sink, Alerts and Metrics are
// optional.
type Deps struct {
	Source  Source
	Store   *state.Store
	Sink    *Sink
	Alerts  Alerter
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Settings is the externally visible aggregation state.
type Settings struct {
	Instrument      string  `json:"instrument"`
	Timeframe       string  `json:"timeframe"`
	Boundary        string  `json:"boundary"`
	VolumeThreshold float64 `json:"volumeThreshold"`
	TickSize        float64 `json:"tickSize"`
	ImbalanceRatio  float64 `json:"imbalanceRatio"`
}

type (
	tradeEvent struct{ trade domain.Trade }
	bookEvent  struct{ update domain.BookUpdate }
	stateEvent struct {
		state domain.ConnectionState
		err   error
	}
	commandEvent struct {
		run   func() error
		reply chan error
	}
)

// Pipeline runs one instrument. Feed callbacks only enqueue events; a
// single worker goroutine owns the de-duplicator, the aggregator and the
// book maintainer, and is the only writer of the store.
//
// Trades and book updates share a bounded queue that back-pressures the
// feed. Connection-state changes never block: the source emits them
// synchronously from Connect and Disconnect, which the worker itself calls.
type Pipeline struct {
	cfg     Config
	src     Source
	store   *state.Store
	sink    *Sink
	alerts  Alerter
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	events  chan any
	done    chan struct{}
	runOnce sync.Once

	stateMu    sync.Mutex
	states     []stateEvent
	stateReady chan struct{}

	// Owned by the worker goroutine.
	agg      *footprint.Aggregator
	book     *book.Maintainer
	dedup    *feed.Dedup
	failed   bool
	barFired bool
	clock    feedClock

	mu       sync.RWMutex
	settings Settings
}

// New builds a pipeline and registers it on the source. Nothing streams
// until Run is called.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	cfg.Instrument = strings.TrimSpace(cfg.Instrument)
	if cfg.Instrument == "" {
		return nil, fmt.Errorf("pipeline: %w: empty instrument", domain.ErrInvalidConfig)
	}
	if deps.Source == nil || deps.Store == nil {
		return nil, fmt.Errorf("pipeline: %w: source and store are required", domain.ErrInvalidConfig)
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = 250 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.ClockGrace < 0 {
		cfg.ClockGrace = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:     cfg,
		src:     deps.Source,
		store:   deps.Store,
		sink:    deps.Sink,
		alerts:  deps.Alerts,
		metrics: deps.Metrics,
		logger:  logger.With(slog.String("component", "pipeline"), slog.String("instrument", cfg.Instrument)),
		events:  make(chan any, cfg.EventBuffer),
		done:    make(chan struct{}),
		book:    book.NewMaintainer(cfg.Instrument),
		dedup:   feed.NewDedup(cfg.Dedup, cfg.DedupTTL),
		clock:   feedClock{grace: cfg.ClockGrace},

		stateReady: make(chan struct{}, 1),
	}

	agg, err := p.newAggregator(footprint.Config{
		Instrument:     cfg.Instrument,
		TickSize:       cfg.TickSize,
		Timeframe:      cfg.Timeframe,
		Boundary:       cfg.Boundary,
		VolumeOverride: cfg.VolumeThreshold,
		ImbalanceRatio: cfg.ImbalanceRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.agg = agg
	p.publishSettings()
	p.store.SetSymbol(cfg.Instrument)

	p.src.OnTrade(func(t domain.Trade) { p.enqueue(tradeEvent{t}) })
	p.src.OnBookUpdate(func(u domain.BookUpdate) { p.enqueue(bookEvent{u}) })
	p.src.OnStateChange(p.postState)
	return p, nil
}

// Store returns the state store the pipeline writes to.
func (p *Pipeline) Store() *state.Store { return p.store }

// Settings returns the current aggregation settings.
func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Instrument returns the instrument currently streamed.
func (p *Pipeline) Instrument() string {
	return p.Settings().Instrument
}

// Run connects the source and processes events until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("pipeline: %w: already run", ErrStopped)
	}

	if err := p.src.Connect(p.Instrument()); err != nil {
		close(p.done)
		return fmt.Errorf("pipeline: connect: %w", err)
	}
	p.logger.Info("pipeline started", slog.String("timeframe", p.cfg.Timeframe))

	clock := time.NewTicker(p.cfg.ClockInterval)
	defer clock.Stop()
	sweep := time.NewTicker(sweepInterval(p.cfg.DedupTTL))
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.done)
			p.src.Disconnect()
			p.store.SetConnectionStatus(domain.StateDisconnected, nil)
			p.logger.Info("pipeline stopped")
			return nil
		case ev := <-p.events:
			p.handle(ev)
		case <-p.stateReady:
			p.drainStates()
		case now := <-clock.C:
			p.advance(now)
		case <-sweep.C:
			p.dedup.Cleanup()
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Minute
	}
	if iv := ttl / 2; iv >= time.Second {
		return iv
	}
	return time.Second
}

// enqueue hands an event to the worker. It blocks while the buffer is
// full, which back-pressures the feed's read loop, and gives up once the
// pipeline has stopped.
func (p *Pipeline) enqueue(ev any) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// postState queues a connection-state change without blocking.
func (p *Pipeline) postState(st domain.ConnectionState, err error) {
	p.stateMu.Lock()
	p.states = append(p.states, stateEvent{st, err})
	p.stateMu.Unlock()
	select {
	case p.stateReady <- struct{}{}:
	default:
	}
}

func (p *Pipeline) drainStates() {
	p.stateMu.Lock()
	pending := p.states
	p.states = nil
	p.stateMu.Unlock()
	for _, e := range pending {
		p.onState(e.state, e.err)
	}
}

func (p *Pipeline) handle(ev any) {
	switch e := ev.(type) {
	case tradeEvent:
		p.onTrade(e.trade)
	case bookEvent:
		p.onBook(e.update)
	case commandEvent:
		err := e.run()
		p.drainStates()
		e.reply <- err
	}
}

func (p *Pipeline) current(instrument string) bool {
	return instrument == "" || strings.EqualFold(instrument, p.Instrument())
}

func (p *Pipeline) onTrade(t domain.Trade) {
	if !p.current(t.Instrument) {
		return
	}
	inst := p.Instrument()
	if p.dedup.IsDuplicate(t) {
		p.metrics.RecordDuplicate(inst)
		return
	}
	if err := p.agg.OnTrade(t); err != nil {
		p.metrics.RecordRejected(inst)
		p.logger.Debug("trade rejected", slog.String("error", err.Error()))
		return
	}
	p.clock.Observe(t.Timestamp, time.Now())
	p.metrics.RecordTrade(inst, t.Side)
	p.store.AddTrade(t)
	p.store.SetOpenBar(p.agg.CurrentBar())
}

func (p *Pipeline) onBook(u domain.BookUpdate) {
	if !p.current(u.Instrument) {
		return
	}
	snap, ok := p.book.OnBookUpdate(u)
	if !ok {
		p.logger.Debug("stale book update dropped", slog.Int64("update_id", u.UpdateID))
		return
	}
	p.metrics.RecordBook(snap.Instrument)
	p.store.UpdateOrderbook(snap)
	p.sink.EnqueueBook(snap)
}

func (p *Pipeline) onState(st domain.ConnectionState, err error) {
	inst := p.Instrument()
	p.store.SetConnectionStatus(st, err)
	p.metrics.RecordState(inst, st)
	p.sink.EnqueueStatus(inst, st, err)
	if st == domain.StateConnected {
		p.book.Resync()
	}

	switch {
	case st == domain.StateDisconnected && errors.Is(err, domain.ErrReconnectExhausted):
		p.failed = true
		p.logger.Error("feed failed permanently", slog.String("error", err.Error()))
		p.alert(func(ctx context.Context) error { return p.alerts.ConnectionFailed(ctx, inst, err) })
	case st == domain.StateConnected && p.failed:
		p.failed = false
		p.alert(func(ctx context.Context) error { return p.alerts.ConnectionRestored(ctx, inst) })
	}
}

// alert runs a notification off the worker goroutine.
func (p *Pipeline) alert(send func(context.Context) error) {
	if p.alerts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			p.logger.Warn("alert failed", slog.String("error", err.Error()))
		}
	}()
}

// advance closes time bars on the feed's clock rather than the host's.
func (p *Pipeline) advance(now time.Time) {
	feedNow, ok := p.clock.Now(now)
	if !ok {
		return
	}
	p.barFired = false
	p.agg.Advance(feedNow)
	if p.barFired {
		p.store.SetOpenBar(p.agg.CurrentBar())
	}
}

func (p *Pipeline) onBarClosed(b domain.Bar) {
	p.barFired = true
	p.metrics.RecordBar(b)
	p.store.AddBar(b)
	p.sink.EnqueueBar(b)
	p.logger.Debug("bar closed",
		slog.String("bar", b.ID),
		slog.Float64("volume", b.TotalVolume),
		slog.Float64("delta", b.TotalDelta),
	)
}

func (p *Pipeline) newAggregator(cfg footprint.Config) (*footprint.Aggregator, error) {
	agg, err := footprint.NewAggregator(cfg)
	if err != nil {
		return nil, err
	}
	agg.OnBarClosed(p.onBarClosed)
	return agg, nil
}

func (p *Pipeline) publishSettings() {
	pol := p.agg.Policy()
	s := Settings{
		Instrument:     p.cfg.Instrument,
		Timeframe:      pol.Timeframe.Name,
		Boundary:       string(pol.Boundary),
		TickSize:       p.agg.TickSize(),
		ImbalanceRatio: p.agg.ImbalanceRatio(),
	}
	if pol.Boundary == footprint.BoundaryVolume {
		s.VolumeThreshold = pol.Timeframe.Threshold
	}
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
}

// do runs fn on the worker goroutine and waits for its result.
func (p *Pipeline) do(ctx context.Context, fn func() error) error {
	cmd := commandEvent{run: fn, reply: make(chan error, 1)}
	select {
	case p.events <- cmd:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTimeframe switches the bar policy. The open bar and the session delta
// are discarded and, since bars of different sizes do not mix, so is the
// bar history. An unknown timeframe leaves everything untouched.
func (p *Pipeline) SetTimeframe(ctx context.Context, name string, boundary footprint.Boundary, volumeThreshold float64) error {
	return p.do(ctx, func() error {
		if err := p.agg.SetTimeframe(name, boundary, volumeThreshold); err != nil {
			return err
		}
		p.cfg.Timeframe, p.cfg.Boundary, p.cfg.VolumeThreshold = name, boundary, volumeThreshold
		p.publishSettings()
		p.store.ClearBars()
		p.logger.Info("timeframe changed",
			slog.String("timeframe", name),
			slog.String("boundary", string(p.agg.Policy().Boundary)),
		)
		return nil
	})
}

// SetImbalanceRatio changes the ratio and re-flags the open bar.
func (p *Pipeline) SetImbalanceRatio(ctx context.Context, ratio float64) error {
	return p.do(ctx, func() error {
		if err := p.agg.SetImbalanceRatio(ratio); err != nil {
			return err
		}
		p.cfg.ImbalanceRatio = ratio
		p.publishSettings()
		p.store.SetOpenBar(p.agg.CurrentBar())
		return nil
	})
}

// SwitchInstrument moves the pipeline to another instrument. The feed
// session is replaced, trades, book and totals are reset, and a fresh
// aggregator starts. Bar history is cleared when ResetBarsOnSwitch is set.
func (p *Pipeline) SwitchInstrument(ctx context.Context, instrument string) error {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return fmt.Errorf("pipeline: %w: empty instrument", domain.ErrInvalidConfig)
	}
	return p.do(ctx, func() error {
		if strings.EqualFold(instrument, p.cfg.Instrument) {
			return p.src.Connect(p.cfg.Instrument)
		}
		agg, err := p.newAggregator(footprint.Config{
			Instrument:     instrument,
			TickSize:       p.agg.TickSize(),
			Timeframe:      p.cfg.Timeframe,
			Boundary:       p.cfg.Boundary,
			VolumeOverride: p.cfg.VolumeThreshold,
			ImbalanceRatio: p.agg.ImbalanceRatio(),
		})
		if err != nil {
			return err
		}
		prev := p.cfg.Instrument
		p.cfg.Instrument = instrument
		p.agg = agg
		p.book.Reset(instrument)
		p.dedup.Reset()
		p.clock.Reset()
		p.failed = false
		p.publishSettings()

		p.store.SetSymbol(instrument)
		p.store.SetOpenBar(nil)
		if p.cfg.ResetBarsOnSwitch {
			p.store.ClearBars()
		}
		p.logger.Info("instrument switched",
			slog.String("from", prev),
			slog.String("to", instrument),
			slog.Bool("bars_reset", p.cfg.ResetBarsOnSwitch),
		)
		return p.src.Connect(instrument)
	})
}

// Connect (re)starts streaming the current instrument, for example after
// the feed gave up reconnecting.
func (p *Pipeline) Connect(ctx context.Context) error {
	return p.do(ctx, func() error {
		return p.src.Connect(p.cfg.Instrument)
	})
}

// Disconnect stops streaming. The open bar is kept.
func (p *Pipeline) Disconnect(ctx context.Context) error {
	return p.do(ctx, func() error {
		p.src.Disconnect()
		return nil
	})
}
