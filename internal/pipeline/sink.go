package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/instrumentation"
)

// Publisher delivers an envelope to live subscribers. Both the Redis
// signal bus and the in-process websocket hub satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SinkConfig sizes the sink queue and the bar store batches.
type SinkConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultSinkConfig returns the settings used when fields are zero.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:     1024,
		BatchSize:     50,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// SinkTargets are the optional destinations. Nil fields are skipped.
type SinkTargets struct {
	Bars       domain.BarCache
	Books      domain.BookCache
	Store      domain.BarStore
	Events     domain.ConnectionEventStore
	Stream     domain.SignalBus
	Publishers []Publisher
}

type sinkKind string

const (
	sinkBar    sinkKind = "bar"
	sinkBook   sinkKind = "book"
	sinkStatus sinkKind = "status"
)

type sinkItem struct {
	kind   sinkKind
	bar    domain.Bar
	book   domain.BookSnapshot
	status domain.StatusEvent
}

func (it sinkItem) instrument() string {
	switch it.kind {
	case sinkBar:
		return it.bar.Instrument
	case sinkBook:
		return it.book.Instrument
	default:
		return it.status.Instrument
	}
}

// Sink moves finished bars, book snapshots and status changes off the
// aggregation goroutine and fans them out to caches, the database and live
// subscribers. Enqueueing never blocks: when the queue is full the event is
// dropped and counted.
type Sink struct {
	cfg     SinkConfig
	targets SinkTargets
	queue   chan sinkItem
	pending []domain.Bar
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// NewSink creates a Sink. Zero config fields take the defaults.
func NewSink(cfg SinkConfig, targets SinkTargets, metrics *instrumentation.Metrics, logger *slog.Logger) *Sink {
	def := DefaultSinkConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:     cfg,
		targets: targets,
		queue:   make(chan sinkItem, cfg.QueueSize),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "sink")),
	}
}

// EnqueueBar queues a finished bar. It reports false when the bar was
// dropped.
func (s *Sink) EnqueueBar(b domain.Bar) bool {
	return s.enqueue(sinkItem{kind: sinkBar, bar: b})
}

// EnqueueBook queues a book snapshot.
func (s *Sink) EnqueueBook(snap domain.BookSnapshot) bool {
	return s.enqueue(sinkItem{kind: sinkBook, book: snap})
}

// EnqueueStatus queues a connection state change.
func (s *Sink) EnqueueStatus(instrument string, st domain.ConnectionState, cause error) bool {
	ev := domain.StatusEvent{Instrument: instrument, State: st, At: time.Now().UTC()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return s.enqueue(sinkItem{kind: sinkStatus, status: ev})
}

func (s *Sink) enqueue(it sinkItem) bool {
	if s == nil {
		return false
	}
	select {
	case s.queue <- it:
		return true
	default:
		s.metrics.RecordSinkDrop(it.instrument(), string(it.kind))
		s.logger.Warn("sink queue full, dropping event",
			slog.String("kind", string(it.kind)),
			slog.String("instrument", it.instrument()),
		)
		return false
	}
}

// Run drains the queue until ctx is cancelled, then writes whatever is
// still queued and flushes pending bars before returning.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case it := <-s.queue:
			s.handle(ctx, it)
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// drain handles the remaining queue with a fresh context; the run context
// is already cancelled.
func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case it := <-s.queue:
			s.handle(ctx, it)
		default:
			s.flush(ctx)
			return
		}
	}
}

func (s *Sink) handle(ctx context.Context, it sinkItem) {
	start := time.Now()
	switch it.kind {
	case sinkBar:
		s.writeBar(ctx, it.bar)
	case sinkBook:
		s.writeBook(ctx, it.book)
	case sinkStatus:
		s.writeStatus(ctx, it.status)
	}
	s.metrics.RecordSinkLatency(string(it.kind), float64(time.Since(start).Microseconds())/1000)
}

func (s *Sink) writeBar(ctx context.Context, b domain.Bar) {
	if s.targets.Bars != nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		s.check(s.targets.Bars.Push(wctx, b), "bar_cache", b.Instrument)
		cancel()
	}

	payload, err := domain.NewEnvelope(domain.TopicBar, b.Instrument, b)
	if err != nil {
		s.check(err, "encode", b.Instrument)
		return
	}
	s.publish(ctx, domain.Topic(domain.TopicBar, b.Instrument), payload, b.Instrument)
	if s.targets.Stream != nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		s.check(s.targets.Stream.StreamAppend(wctx, domain.BarStream, payload), "bar_stream", b.Instrument)
		cancel()
	}

	if s.targets.Store != nil {
		s.pending = append(s.pending, b)
		if len(s.pending) >= s.cfg.BatchSize {
			s.flush(ctx)
		}
	}
}

func (s *Sink) writeBook(ctx context.Context, snap domain.BookSnapshot) {
	if s.targets.Books != nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		s.check(s.targets.Books.SetSnapshot(wctx, snap), "book_cache", snap.Instrument)
		cancel()
	}
	payload, err := domain.NewEnvelope(domain.TopicBook, snap.Instrument, snap)
	if err != nil {
		s.check(err, "encode", snap.Instrument)
		return
	}
	s.publish(ctx, domain.Topic(domain.TopicBook, snap.Instrument), payload, snap.Instrument)
}

func (s *Sink) writeStatus(ctx context.Context, ev domain.StatusEvent) {
	if s.targets.Events != nil {
		var cause error
		if ev.Error != "" {
			cause = statusError(ev.Error)
		}
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		s.check(s.targets.Events.Log(wctx, ev.Instrument, ev.State, cause), "connection_events", ev.Instrument)
		cancel()
	}
	payload, err := domain.NewEnvelope(domain.TopicStatus, ev.Instrument, ev)
	if err != nil {
		s.check(err, "encode", ev.Instrument)
		return
	}
	s.publish(ctx, domain.Topic(domain.TopicStatus, ev.Instrument), payload, ev.Instrument)
}

func (s *Sink) publish(ctx context.Context, channel string, payload []byte, instrument string) {
	for _, p := range s.targets.Publishers {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		s.check(p.Publish(wctx, channel, payload), "publish", instrument)
		cancel()
	}
}

// flush writes the pending bars in one batch. A failed batch is dropped so
// a dead database cannot grow memory without bound.
func (s *Sink) flush(ctx context.Context) {
	if len(s.pending) == 0 || s.targets.Store == nil {
		return
	}
	batch := s.pending
	s.pending = nil

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.targets.Store.InsertBatch(wctx, batch); err != nil {
		s.metrics.RecordError("sink", "bar_store")
		s.logger.Error("bar batch insert failed",
			slog.Int("bars", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("bar batch stored", slog.Int("bars", len(batch)))
}

func (s *Sink) check(err error, target, instrument string) {
	if err == nil {
		return
	}
	s.metrics.RecordError("sink", target)
	s.logger.Warn("sink write failed",
		slog.String("target", target),
		slog.String("instrument", instrument),
		slog.String("error", err.Error()),
	)
}

// statusError carries a recorded error message into the event store.
type statusError string

func (e statusError) Error() string { return string(e) }
