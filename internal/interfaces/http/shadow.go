package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/regime"
	"github.com/fractal-platform/macrobrain/internal/shadow"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500

	healthStatusHealthy  = "HEALTHY"
	healthStatusWarning  = "WARNING"
	healthStatusCritical = "CRITICAL"
)

func (h *Handlers) assetParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_asset", "asset is required")
		return "", false
	}
	return asset, true
}

// Evaluate handles POST /api/brain/v2/evaluate: one live evaluation of the
// routed engine for an asset, mirrored through the shadow and appended to
// the comparison log.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}
	asOf, ok := parseDateParam(r, "asOf", asof.Day(time.Now().UTC()))
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_date", "asOf must be YYYY-MM-DD or RFC 3339")
		return
	}
	asOf = asof.Day(asOf)

	ws, err := h.app.World.BuildWorldState(r.Context(), asOf)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "world_state_unavailable", err.Error())
		return
	}
	regimeLabel := ""
	if st, err := h.app.Regime.StateAt(r.Context(), regime.ScopeMacro, asOf); err == nil && st != nil {
		regimeLabel = st.Current
	}

	eval, err := h.app.Auditor.Observe(r.Context(), shadow.Inputs{
		Asset:       asset,
		AsOf:        asOf,
		Signals:     ws.Signals,
		RegimeLabel: regimeLabel,
	})
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "evaluation_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":       asset,
		"asOf":        asOf,
		"regimeLabel": regimeLabel,
		"evaluation":  eval,
	})
}

// ShadowAudit handles GET /api/brain/v2/shadow/audit: the newest comparison
// records for an asset, newest first.
func (h *Handlers) ShadowAudit(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	recs, err := h.app.Repos.Shadow.Recent(r.Context(), asset, limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "audit_unavailable", err.Error())
		return
	}
	if recs == nil {
		recs = []persistence.ShadowComparisonRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":   asset,
		"records": recs,
	})
}

type shadowCheckResponse struct {
	Asset             string         `json:"asset"`
	Alerts            []shadow.Alert `json:"alerts"`
	ConsecutiveAlerts int            `json:"consecutiveAlerts"`
	Downgraded        bool           `json:"downgraded"`
	ActiveVersion     string         `json:"activeVersion"`
}

// ShadowCheck handles POST /api/brain/v2/shadow/check: forces a divergence
// evaluation and reports any downgrade decision it produced.
func (h *Handlers) ShadowCheck(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}

	before, err := h.app.Auditor.Health(r.Context(), asset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "check_failed", err.Error())
		return
	}
	batch, err := h.app.Auditor.Check(r.Context(), asset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "check_failed", err.Error())
		return
	}
	for _, a := range batch {
		h.app.Metrics.ShadowAlerts.WithLabelValues(a.Rule).Inc()
	}

	after, err := h.app.Auditor.Health(r.Context(), asset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "check_failed", err.Error())
		return
	}
	if after.Downgraded && !before.Downgraded {
		h.app.Metrics.Downgrades.Inc()
	}
	if batch == nil {
		batch = []shadow.Alert{}
	}
	h.writeJSON(w, http.StatusOK, shadowCheckResponse{
		Asset:             asset,
		Alerts:            batch,
		ConsecutiveAlerts: after.ConsecutiveAlerts,
		Downgraded:        after.Downgraded,
		ActiveVersion:     after.ActiveVersion,
	})
}

// ShadowPromote handles POST /api/brain/v2/shadow/promote: restores the
// upgraded engine as active after an operator has reviewed a downgrade.
func (h *Handlers) ShadowPromote(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}
	if err := h.app.Auditor.Promote(r.Context(), asset); err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "promote_failed", err.Error())
		return
	}
	hs, err := h.app.Auditor.Health(r.Context(), asset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "promote_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, hs)
}

// GovernanceEvents handles GET /api/brain/v2/governance/events.
func (h *Handlers) GovernanceEvents(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.app.Repos.Gov.RecentEvents(r.Context(), asset, limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "events_unavailable", err.Error())
		return
	}
	if events == nil {
		events = []persistence.GovernanceEvent{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":  asset,
		"events": events,
	})
}

type governanceHealthPack struct {
	Asset               string         `json:"asset"`
	Status              string         `json:"status"`
	RollingHitRateDelta float64        `json:"rollingHitRateDelta"`
	SignMismatchRatio   float64        `json:"signMismatchRatio"`
	RegimeStability     float64        `json:"regimeStability"`
	WeightDrift         float64        `json:"weightDrift"`
	ActiveVersion       string         `json:"activeVersion"`
	ShadowVersion       string         `json:"shadowVersion"`
	Downgraded          bool           `json:"downgraded"`
	ConsecutiveAlerts   int            `json:"consecutiveAlerts"`
	RecentComparisons   int            `json:"recentComparisons"`
	ActiveAlerts        []shadow.Alert `json:"activeAlerts"`
}

// GovernanceHealth handles GET /api/brain/v2/health: the aggregated
// per-asset snapshot combining shadow divergence, calibration drift and
// regime stability into one status.
func (h *Handlers) GovernanceHealth(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.assetParam(w, r)
	if !ok {
		return
	}
	hs, err := h.app.Auditor.Health(r.Context(), asset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "health_unavailable", err.Error())
		return
	}

	pack := governanceHealthPack{
		Asset:             asset,
		ActiveVersion:     hs.ActiveVersion,
		ShadowVersion:     hs.ShadowVersion,
		Downgraded:        hs.Downgraded,
		ConsecutiveAlerts: hs.ConsecutiveAlerts,
		RecentComparisons: hs.RecentComparisons,
		ActiveAlerts:      hs.ActiveAlerts,
	}
	if pack.ActiveAlerts == nil {
		pack.ActiveAlerts = []shadow.Alert{}
	}
	pack.SignMismatchRatio = h.signMismatchRatio(r.Context(), asset)
	pack.RollingHitRateDelta, pack.WeightDrift = h.calibrationHealth(r.Context(), asset)
	pack.RegimeStability = h.macroStability(r.Context())

	switch {
	case hs.Downgraded:
		pack.Status = healthStatusCritical
	case len(hs.ActiveAlerts) > 0:
		pack.Status = healthStatusWarning
	default:
		pack.Status = healthStatusHealthy
	}
	h.writeJSON(w, http.StatusOK, pack)
}

// signMismatchRatio is the fraction of recent comparisons whose shortest
// horizon disagreed on direction. Zero when the log is empty.
func (h *Handlers) signMismatchRatio(ctx context.Context, asset string) float64 {
	limit := h.app.Cfg.Shadow.LongWindowObservations
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	recs, err := h.app.Repos.Shadow.Recent(ctx, asset, limit)
	if err != nil || len(recs) == 0 {
		return 0
	}
	key := persistence.HorizonLabel(h.shortestHorizon())
	mismatches := 0
	for _, rec := range recs {
		if cmp, ok := rec.PerHorizon[key]; ok && cmp.SignMismatch {
			mismatches++
		}
	}
	return float64(mismatches) / float64(len(recs))
}

// calibrationHealth reads the latest promoted version: the average hit-rate
// edge over coin-flip across the shortest-horizon neutral bucket, and the
// largest recorded inter-version drift.
func (h *Handlers) calibrationHealth(ctx context.Context, asset string) (hitRateDelta, maxDrift float64) {
	set, err := h.app.Repos.Versions.LatestPromoted(ctx, asset)
	if err != nil || set == nil {
		return 0, 0
	}
	comps := set.Buckets[persistence.BucketKey(h.shortestHorizon(), "ALL")]
	if len(comps) > 0 {
		sum := 0.0
		for _, c := range comps {
			sum += c.HitRate - 0.5
		}
		hitRateDelta = sum / float64(len(comps))
	}
	for _, d := range set.Diagnostics.Drift {
		if d > maxDrift {
			maxDrift = d
		}
	}
	return hitRateDelta, maxDrift
}

func (h *Handlers) macroStability(ctx context.Context) float64 {
	st, err := h.app.Repos.Memory.Get(ctx, string(regime.ScopeMacro))
	if err != nil || st == nil {
		return 0
	}
	return st.Stability
}
