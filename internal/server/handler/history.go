package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	s3blob "github.com/alanyoungcy/orderflow/internal/blob/s3"
	"github.com/alanyoungcy/orderflow/internal/domain"
)

// HistorySources are the optional backing stores behind the history
// endpoints. A nil source makes its endpoint answer 503.
type HistorySources struct {
	Bars          domain.BarStore
	BarCache      domain.BarCache
	Events        domain.ConnectionEventStore
	Blobs         domain.BlobReader
	ArchivePrefix string
	Bus           domain.SignalBus
}

// HistoryHandler serves persisted bars, connection history, archived bar
// files and the bar stream.
type HistoryHandler struct {
	engine Engine
	src    HistorySources
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(engine Engine, src HistorySources, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{engine: engine, src: src, logger: logger}
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" is not configured")
}

// timeframeFor picks the timeframe query parameter, falling back to the
// pipeline's current timeframe.
func (h *HistoryHandler) timeframeFor(r *http.Request, symbol string) string {
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		return tf
	}
	if h.engine == nil {
		return ""
	}
	if p, err := h.engine.Lookup(symbol); err == nil {
		return p.Settings().Timeframe
	}
	return ""
}

// Bars returns persisted bars, oldest first. The database is preferred;
// without it the Redis bar list serves the most recent bars.
// GET /api/instruments/{symbol}/history?timeframe=1m&limit=50&offset=0&since=&until=
func (h *HistoryHandler) Bars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tf := h.timeframeFor(r, symbol)
	if tf == "" {
		writeError(w, http.StatusBadRequest, "timeframe is required for an instrument that is not streamed")
		return
	}

	var bars []domain.Bar
	source := "postgres"
	switch {
	case h.src.Bars != nil:
		bars, err = h.src.Bars.ListByInstrument(r.Context(), symbol, tf, opts)
	case h.src.BarCache != nil:
		source = "redis"
		bars, err = h.src.BarCache.Latest(r.Context(), symbol, tf, opts.Limit)
	default:
		unavailable(w, "bar history")
		return
	}
	if err != nil {
		fail(w, r, h.logger, "list bars", err)
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": symbol,
		"timeframe":  tf,
		"source":     source,
		"bars":       bars,
	})
}

// Events returns the connection history of an instrument, newest first.
// GET /api/instruments/{symbol}/events?limit=50&offset=0
func (h *HistoryHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.src.Events == nil {
		unavailable(w, "connection history")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	events, err := h.src.Events.List(r.Context(), symbol, opts)
	if err != nil {
		fail(w, r, h.logger, "list connection events", err)
		return
	}
	if events == nil {
		events = []domain.ConnectionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Archives lists the archived bar files of an instrument.
// GET /api/instruments/{symbol}/archive
func (h *HistoryHandler) Archives(w http.ResponseWriter, r *http.Request) {
	if h.src.Blobs == nil {
		unavailable(w, "archive storage")
		return
	}
	prefix := s3blob.InstrumentPrefix(h.src.ArchivePrefix, r.PathValue("symbol"))
	files, err := h.src.Blobs.List(r.Context(), prefix)
	if err != nil {
		fail(w, r, h.logger, "list archives", err)
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "files": files})
}

// ArchiveFile reads one archived file back into bars. The path must lie
// under the instrument's archive prefix.
// GET /api/instruments/{symbol}/archive/file?path=archive/bars/ES/1m/2026-03-01-1772323200.jsonl
func (h *HistoryHandler) ArchiveFile(w http.ResponseWriter, r *http.Request) {
	if h.src.Blobs == nil {
		unavailable(w, "archive storage")
		return
	}
	prefix := s3blob.InstrumentPrefix(h.src.ArchivePrefix, r.PathValue("symbol"))
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, prefix) || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "path must name a file under "+prefix)
		return
	}

	body, err := h.src.Blobs.Get(r.Context(), path)
	if err != nil {
		fail(w, r, h.logger, "read archive", err)
		return
	}
	defer body.Close()

	bars, err := s3blob.ReadBars(body)
	if err != nil {
		fail(w, r, h.logger, "decode archive", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "bars": bars})
}

type streamEntry struct {
	ID       string          `json:"id"`
	Envelope json.RawMessage `json:"envelope"`
}

// Stream pages through the bar stream. Pass the last seen id as after to
// continue; "0" starts from the oldest retained entry.
// GET /api/stream/bars?after=0&count=100
func (h *HistoryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.src.Bus == nil {
		unavailable(w, "bar stream")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.src.Bus.StreamRead(r.Context(), domain.BarStream, after, intQuery(r, "count", 100, 1000))
	if err != nil {
		fail(w, r, h.logger, "read bar stream", err)
		return
	}

	entries := make([]streamEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		entries = append(entries, streamEntry{ID: m.ID, Envelope: m.Payload})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "next": next})
}
