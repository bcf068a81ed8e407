// Package instrumentation exposes Prometheus metrics for the engine.
package instrumentation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Metrics contains all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TradesTotal      *prometheus.CounterVec
	DuplicatesTotal  *prometheus.CounterVec
	RejectedTotal    *prometheus.CounterVec
	BarsClosedTotal  *prometheus.CounterVec
	BarVolume        *prometheus.HistogramVec
	BookUpdatesTotal *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	ConnectionState  *prometheus.GaugeVec
	SinkDropsTotal   *prometheus.CounterVec
	SinkLatencyMs    *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	ArchivedBars     prometheus.Counter
}

// NewMetrics creates a registry with the Go and process collectors and
// registers every engine metric on it.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades folded into bars, by instrument and aggressor side",
		}, []string{"instrument", "side"}),

		DuplicatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_duplicate_total",
			Help:      "Trades dropped by de-duplication",
		}, []string{"instrument"}),

		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_rejected_total",
			Help:      "Malformed trades rejected by the aggregator",
		}, []string{"instrument"}),

		BarsClosedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_closed_total",
			Help:      "Footprint bars finalized",
		}, []string{"instrument", "timeframe"}),

		BarVolume: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bar_volume",
			Help:      "Total volume of finished bars",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"instrument"}),

		BookUpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_updates_total",
			Help:      "Order book snapshots applied",
		}, []string{"instrument"}),

		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Reconnect attempts scheduled by the feed",
		}, []string{"instrument"}),

		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connection_state",
			Help:      "Current feed state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}, []string{"instrument"}),

		SinkDropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_drops_total",
			Help:      "Events dropped because the sink queue was full",
		}, []string{"instrument", "kind"}),

		SinkLatencyMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_write_ms",
			Help:      "Time to fan one event out to the backing stores in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"kind"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by component and type",
		}, []string{"component", "error_type"}),

		ArchivedBars: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_bars_total",
			Help:      "Finished bars moved to object storage",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTrade counts one aggregated trade.
func (m *Metrics) RecordTrade(instrument string, side domain.Side) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(instrument, string(side)).Inc()
}

// RecordDuplicate counts one de-duplicated trade.
func (m *Metrics) RecordDuplicate(instrument string) {
	if m == nil {
		return
	}
	m.DuplicatesTotal.WithLabelValues(instrument).Inc()
}

// RecordRejected counts one malformed trade.
func (m *Metrics) RecordRejected(instrument string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(instrument).Inc()
}

// RecordBar records a finished bar.
func (m *Metrics) RecordBar(b domain.Bar) {
	if m == nil {
		return
	}
	m.BarsClosedTotal.WithLabelValues(b.Instrument, b.Timeframe).Inc()
	m.BarVolume.WithLabelValues(b.Instrument).Observe(b.TotalVolume)
}

// RecordBook counts one applied book snapshot.
func (m *Metrics) RecordBook(instrument string) {
	if m == nil {
		return
	}
	m.BookUpdatesTotal.WithLabelValues(instrument).Inc()
}

// RecordState tracks the feed state and counts reconnects.
func (m *Metrics) RecordState(instrument string, st domain.ConnectionState) {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues(instrument).Set(float64(st))
	if st == domain.StateReconnecting {
		m.ReconnectsTotal.WithLabelValues(instrument).Inc()
	}
}

// RecordSinkDrop counts an event dropped on a full sink queue.
func (m *Metrics) RecordSinkDrop(instrument, kind string) {
	if m == nil {
		return
	}
	m.SinkDropsTotal.WithLabelValues(instrument, kind).Inc()
}

// RecordSinkLatency records the time to write one event.
func (m *Metrics) RecordSinkLatency(kind string, ms float64) {
	if m == nil {
		return
	}
	m.SinkLatencyMs.WithLabelValues(kind).Observe(ms)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordArchived adds n archived bars.
func (m *Metrics) RecordArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ArchivedBars.Add(float64(n))
}
