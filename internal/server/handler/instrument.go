package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/orderflow/internal/analytics"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/pipeline"
)

const (
	defaultBarLimit = 100
	maxBarLimit     = 1000
)

// Engine is the part of the pipeline orchestrator the API needs.
type Engine interface {
	Instruments() []string
	Lookup(instrument string) (*pipeline.Pipeline, error)
	SwitchInstrument(ctx context.Context, from, to string) error
}

// InstrumentHandler serves the live per-instrument read endpoints.
type InstrumentHandler struct {
	engine Engine
	books  domain.BookCache
	logger *slog.Logger
}

// NewInstrumentHandler creates an InstrumentHandler. books may be nil.
func NewInstrumentHandler(engine Engine, books domain.BookCache, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{engine: engine, books: books, logger: logger}
}

type instrumentSummary struct {
	pipeline.Settings
	Status    domain.ConnectionState `json:"status"`
	LastError string                 `json:"lastError,omitempty"`
	Bars      int                    `json:"bars"`
}

// List returns every streamed instrument with its settings and status.
// GET /api/instruments
func (h *InstrumentHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make([]instrumentSummary, 0)
	for _, sym := range h.engine.Instruments() {
		p, err := h.engine.Lookup(sym)
		if err != nil {
			continue
		}
		snap := p.Store().Snapshot()
		out = append(out, instrumentSummary{
			Settings:  p.Settings(),
			Status:    snap.Status,
			LastError: snap.LastError,
			Bars:      len(snap.Bars),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

// pipelineFor resolves the {symbol} path parameter, writing a 404 when the
// instrument is not streamed.
func (h *InstrumentHandler) pipelineFor(w http.ResponseWriter, r *http.Request) (*pipeline.Pipeline, bool) {
	p, err := h.engine.Lookup(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return p, true
}

// State returns the full store snapshot.
// GET /api/instruments/{symbol}/state
func (h *InstrumentHandler) State(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": p.Settings(),
		"state":    p.Store().Snapshot(),
	})
}

// Bars returns the most recent finished bars, oldest first.
// GET /api/instruments/{symbol}/bars?limit=100
func (h *InstrumentHandler) Bars(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	bars := lastN(p.Store().Bars(), intQuery(r, "limit", defaultBarLimit, maxBarLimit))
	writeJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

// OpenBar returns the bar still being built.
// GET /api/instruments/{symbol}/bars/open
func (h *InstrumentHandler) OpenBar(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	bar := p.Store().OpenBar()
	if bar == nil {
		writeError(w, http.StatusNotFound, "no open bar")
		return
	}
	writeJSON(w, http.StatusOK, bar)
}

type profileResponse struct {
	Tick           float64                     `json:"tick"`
	Bars           int                         `json:"bars"`
	Rows           []domain.VolumeLevelProfile `json:"rows"`
	PointOfControl *float64                    `json:"pointOfControl,omitempty"`
	ValueAreaLow   *float64                    `json:"valueAreaLow,omitempty"`
	ValueAreaHigh  *float64                    `json:"valueAreaHigh,omitempty"`
}

// Profile merges the last bars, plus the open bar, into a volume profile.
// tick defaults to the instrument tick size.
// GET /api/instruments/{symbol}/profile?bars=50&tick=0.5
func (h *InstrumentHandler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	tick := p.Settings().TickSize
	if v := r.URL.Query().Get("tick"); v != "" {
		parsed, err := parsePositiveFloat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "tick must be a positive number")
			return
		}
		tick = parsed
	}

	bars := windowWithOpen(p, intQuery(r, "bars", defaultBarLimit, maxBarLimit))
	rows := analytics.VolumeProfile(bars, tick)
	resp := profileResponse{Tick: tick, Bars: len(bars), Rows: rows}
	if resp.Rows == nil {
		resp.Rows = []domain.VolumeLevelProfile{}
	}
	if poc, ok := analytics.PointOfControl(rows); ok {
		resp.PointOfControl = &poc.Price
	}
	if lo, hi, ok := analytics.ValueAreaBounds(rows); ok {
		resp.ValueAreaLow, resp.ValueAreaHigh = &lo, &hi
	}
	writeJSON(w, http.StatusOK, resp)
}

type deltaPoint struct {
	BarID      string  `json:"barId"`
	OpenTime   string  `json:"openTime"`
	Delta      float64 `json:"delta"`
	Cumulative float64 `json:"cumulative"`
}

// Delta returns the per-bar delta series over the last finished bars and a
// summary of the window.
// GET /api/instruments/{symbol}/delta?bars=50
func (h *InstrumentHandler) Delta(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	bars := lastN(p.Store().Bars(), intQuery(r, "bars", defaultBarLimit, maxBarLimit))
	cum := analytics.CumulativeDelta(bars)
	series := make([]deltaPoint, len(bars))
	for i, b := range bars {
		series[i] = deltaPoint{
			BarID:      b.ID,
			OpenTime:   b.OpenTime.UTC().Format(timeLayout),
			Delta:      b.TotalDelta,
			Cumulative: cum[i],
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": analytics.Summarize(bars),
		"series":  series,
	})
}

// Book returns the live book. Until the feed delivers one, the last cached
// snapshot is served when a cache is configured.
// GET /api/instruments/{symbol}/book
func (h *InstrumentHandler) Book(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipelineFor(w, r)
	if !ok {
		return
	}
	book := p.Store().Book()
	if len(book.Bids) == 0 && len(book.Asks) == 0 && h.books != nil {
		cached, err := h.books.GetSnapshot(r.Context(), p.Instrument())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, cached)
			return
		case !isNotFound(err):
			h.logger.WarnContext(r.Context(), "handler: book cache read failed",
				slog.String("error", err.Error()),
			)
		}
	}
	writeJSON(w, http.StatusOK, book)
}

func lastN(bars []domain.Bar, n int) []domain.Bar {
	if n > 0 && len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}

func windowWithOpen(p *pipeline.Pipeline, n int) []domain.Bar {
	bars := lastN(p.Store().Bars(), n)
	if open := p.Store().OpenBar(); open != nil {
		bars = append(append([]domain.Bar(nil), bars...), *open)
	}
	return bars
}
