package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

type simRunRequest struct {
	Asset string `json:"asset"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// RunSimulation handles POST /api/brain/v2/sim/run: replays baseline and
// calibrated engines over the window and returns the gate verdicts. Long
// runs are cancellable through the request context; an interrupted run is
// simply rerun.
func (h *Handlers) RunSimulation(w http.ResponseWriter, r *http.Request) {
	var req simRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "body must be JSON with asset, from, to")
		return
	}
	if req.Asset == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_asset", "asset is required")
		return
	}
	from, okFrom := parseDate(req.From)
	to, okTo := parseDate(req.To)
	if !okFrom || !okTo {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "from and to must be YYYY-MM-DD or RFC 3339")
		return
	}
	if to.Before(from) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "to precedes from")
		return
	}

	res, err := h.app.Harness.Run(r.Context(), req.Asset, persistence.TimeRange{
		From: asof.Day(from),
		To:   asof.Day(to),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.writeError(w, r, http.StatusServiceUnavailable, "run_cancelled", err.Error())
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, "simulation_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
