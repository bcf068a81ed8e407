package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/orderflow/internal/footprint"
)

// ControlHandler serves the endpoints that change a running pipeline.
type ControlHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(engine Engine, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{engine: engine, logger: logger}
}

type timeframeRequest struct {
	Timeframe       string  `json:"timeframe"`
	Boundary        string  `json:"boundary"`
	VolumeThreshold float64 `json:"volumeThreshold"`
}

// SetTimeframe switches the bar policy. Bar history is cleared.
// PUT /api/instruments/{symbol}/timeframe
// Body: {"timeframe":"5m","boundary":"volume","volumeThreshold":900}
func (h *ControlHandler) SetTimeframe(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Lookup(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req timeframeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Timeframe) == "" {
		writeError(w, http.StatusBadRequest, "timeframe is required")
		return
	}
	boundary := footprint.Boundary(strings.ToLower(strings.TrimSpace(req.Boundary)))
	if err := p.SetTimeframe(r.Context(), req.Timeframe, boundary, req.VolumeThreshold); err != nil {
		fail(w, r, h.logger, "set timeframe", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: timeframe updated",
		slog.String("instrument", p.Instrument()),
		slog.String("timeframe", req.Timeframe),
	)
	writeJSON(w, http.StatusOK, p.Settings())
}

type imbalanceRequest struct {
	Ratio float64 `json:"ratio"`
}

// SetImbalanceRatio changes the diagonal imbalance ratio.
// PUT /api/instruments/{symbol}/imbalance
// Body: {"ratio":2.5}
func (h *ControlHandler) SetImbalanceRatio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Lookup(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req imbalanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.SetImbalanceRatio(r.Context(), req.Ratio); err != nil {
		fail(w, r, h.logger, "set imbalance ratio", err)
		return
	}
	writeJSON(w, http.StatusOK, p.Settings())
}

// Connect restarts streaming, for example after reconnects were exhausted.
// POST /api/instruments/{symbol}/connect
func (h *ControlHandler) Connect(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Lookup(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := p.Connect(r.Context()); err != nil {
		fail(w, r, h.logger, "connect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

// Disconnect stops streaming.
// POST /api/instruments/{symbol}/disconnect
func (h *ControlHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Lookup(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := p.Disconnect(r.Context()); err != nil {
		fail(w, r, h.logger, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type switchRequest struct {
	Instrument string `json:"instrument"`
}

// Switch moves the pipeline streaming {symbol} to another instrument.
// POST /api/instruments/{symbol}/switch
// Body: {"instrument":"NQ"}
func (h *ControlHandler) Switch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Instrument) == "" {
		writeError(w, http.StatusBadRequest, "instrument is required")
		return
	}
	from := r.PathValue("symbol")
	if err := h.engine.SwitchInstrument(r.Context(), from, req.Instrument); err != nil {
		fail(w, r, h.logger, "switch instrument", err)
		return
	}
	p, err := h.engine.Lookup(req.Instrument)
	if err != nil {
		fail(w, r, h.logger, "switch instrument", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: instrument switched",
		slog.String("from", from),
		slog.String("to", p.Instrument()),
	)
	writeJSON(w, http.StatusOK, p.Settings())
}
