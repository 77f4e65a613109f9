package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/data"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/regime"
)

const (
	packStatusOK       = "OK"
	packStatusDegraded = "DEGRADED"
)

type packMeta struct {
	InputsHash  string    `json:"inputsHash"`
	Status      string    `json:"status"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type regimeMemoryPack struct {
	AsOf   time.Time                                `json:"asOf"`
	Scopes map[string]persistence.RegimeMemoryState `json:"scopes"`
	Meta   packMeta                                 `json:"meta"`
}

// CurrentRegimeMemory handles GET /api/brain/v2/regime-memory/current.
// Evaluates every scope for asOf (default today) and returns the pack.
// Results are served through the short-TTL score cache keyed by date.
func (h *Handlers) CurrentRegimeMemory(w http.ResponseWriter, r *http.Request) {
	asOf, ok := parseDateParam(r, "asOf", asof.Day(time.Now().UTC()))
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_date", "asOf must be YYYY-MM-DD or RFC 3339")
		return
	}
	asOf = asof.Day(asOf)

	key := "regime-current:" + asOf.Format("2006-01-02")
	payload, hit, err := data.ReadThrough(r.Context(), h.app.Cache, key, h.app.Cfg.Redis.ScoreTTL,
		func(ctx context.Context) ([]byte, error) {
			pack, err := h.buildRegimePack(ctx, asOf)
			if err != nil {
				return nil, err
			}
			return json.Marshal(pack)
		})
	if err != nil {
		h.app.Metrics.EvaluationErrors.WithLabelValues("regime-memory").Inc()
		h.writeError(w, r, http.StatusServiceUnavailable, "world_state_unavailable", err.Error())
		return
	}
	h.recordCache("regime-current", hit)
	h.writeRaw(w, http.StatusOK, payload)
}

// buildRegimePack classifies all scopes at asOf, applies the hysteresis
// transition to each, and assembles the response. Per-branch classifier
// degradation is reported in meta, never as an error; a full classifier
// failure degrades to the last persisted state per scope.
func (h *Handlers) buildRegimePack(ctx context.Context, asOf time.Time) (*regimeMemoryPack, error) {
	raws, err := h.app.Classifier.Classify(ctx, asOf)
	if err != nil {
		return h.persistedRegimePack(ctx, asOf, err)
	}

	pack := &regimeMemoryPack{
		AsOf:   asOf,
		Scopes: make(map[string]persistence.RegimeMemoryState, len(raws)),
		Meta:   packMeta{Status: packStatusOK, GeneratedAt: time.Now().UTC()},
	}
	for _, raw := range raws {
		pack.Meta.InputsHash = raw.InputHash
		if raw.Degraded {
			pack.Meta.Degraded = true
			pack.Meta.Status = packStatusDegraded
		}

		st, err := h.app.Regime.Apply(ctx, raw, asOf)
		if err != nil {
			return nil, err
		}
		pack.Scopes[string(raw.Scope)] = *st
		h.recordEvaluation(raw, st, asOf)
	}
	return pack, nil
}

// persistedRegimePack serves the last-known persisted state per scope when
// live classification is unavailable. Stale-but-available beats a 5xx for a
// risk signal, so this fails only when no scope has ever been evaluated.
func (h *Handlers) persistedRegimePack(ctx context.Context, asOf time.Time, cause error) (*regimeMemoryPack, error) {
	pack := &regimeMemoryPack{
		AsOf:   asOf,
		Scopes: make(map[string]persistence.RegimeMemoryState, len(regime.Scopes())),
		Meta:   packMeta{Status: packStatusDegraded, Degraded: true, GeneratedAt: time.Now().UTC()},
	}
	for _, sc := range regime.Scopes() {
		st, err := h.app.Regime.StateFor(ctx, sc)
		if err != nil || st == nil {
			continue
		}
		pack.Scopes[string(sc)] = *st
		h.app.Metrics.Evaluations.WithLabelValues(string(sc), "degraded").Inc()
	}
	if len(pack.Scopes) == 0 {
		return nil, cause
	}
	h.log.Warn().Err(cause).Time("asOf", asOf).
		Msg("classification failed, serving last persisted regime state")
	return pack, nil
}

func (h *Handlers) recordEvaluation(raw regime.RawClassification, st *persistence.RegimeMemoryState, asOf time.Time) {
	result := "ok"
	if raw.Degraded {
		result = "degraded"
	}
	m := h.app.Metrics
	m.Evaluations.WithLabelValues(string(raw.Scope), result).Inc()
	m.Stability.WithLabelValues(string(raw.Scope)).Set(st.Stability)
	if raw.Scope == regime.ScopeGuard {
		m.RecordGuardLevel(st.Current)
	}
	// A flip resets tenure to the evaluation date and pushes the outgoing
	// state newest-first.
	if st.DaysInState == 0 && st.Since.Equal(asof.Day(asOf)) && len(st.PreviousStates) > 0 {
		m.RegimeFlips.WithLabelValues(string(raw.Scope), st.PreviousStates[0].Value, st.Current).Inc()
	}
}

type scopeSchema struct {
	Scope  string   `json:"scope"`
	Labels []string `json:"labels"`
}

// RegimeMemorySchema handles GET /api/brain/v2/regime-memory/schema.
func (h *Handlers) RegimeMemorySchema(w http.ResponseWriter, _ *http.Request) {
	scopes := make([]scopeSchema, 0, len(regime.Scopes()))
	for _, sc := range regime.Scopes() {
		scopes = append(scopes, scopeSchema{Scope: string(sc), Labels: regime.LabelsFor(sc)})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"scopes": scopes})
}

// RegimeMemoryTimeline handles GET /api/brain/v2/regime-memory/timeline.
func (h *Handlers) RegimeMemoryTimeline(w http.ResponseWriter, r *http.Request) {
	start, end, stepDays, ok := h.windowParams(w, r)
	if !ok {
		return
	}
	tl, err := h.app.Regime.BuildTimeline(r.Context(), start, end, stepDays)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "timeline_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, tl)
}

// RecomputeRegimeMemory handles POST /api/brain/v2/regime-memory/recompute.
// Destructive in range: clears history and replays the classifier day by
// day. Rate limited and cancellable via request context.
func (h *Handlers) RecomputeRegimeMemory(w http.ResponseWriter, r *http.Request) {
	if !h.admin.Allow() {
		h.writeError(w, r, http.StatusTooManyRequests, "rate_limited",
			"administrative recompute is rate limited, retry later")
		return
	}
	start, end, stepDays, ok := h.windowParams(w, r)
	if !ok {
		return
	}

	replayed, err := h.app.Regime.Recompute(r.Context(), h.app.Classifier, start, end, stepDays)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "recompute_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"replayed": replayed,
		"start":    start,
		"end":      end,
		"stepDays": stepDays,
	})
}

// windowParams parses and validates start/end/stepDays query params,
// writing the 400 itself on failure.
func (h *Handlers) windowParams(w http.ResponseWriter, r *http.Request) (start, end time.Time, stepDays int, ok bool) {
	var okStart, okEnd bool
	start, okStart = parseDateParam(r, "start", time.Time{})
	end, okEnd = parseDateParam(r, "end", time.Time{})
	if !okStart || !okEnd || start.IsZero() || end.IsZero() {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "start and end are required dates")
		return time.Time{}, time.Time{}, 0, false
	}
	if end.Before(start) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", "end precedes start")
		return time.Time{}, time.Time{}, 0, false
	}
	stepDays = 1
	if raw := r.URL.Query().Get("stepDays"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_step", "stepDays must be a positive integer")
			return time.Time{}, time.Time{}, 0, false
		}
		stepDays = n
	}
	return asof.Day(start), asof.Day(end), stepDays, true
}

func (h *Handlers) recordCache(endpoint string, hit bool) {
	if hit {
		h.app.Metrics.CacheHits.WithLabelValues(endpoint).Inc()
		return
	}
	h.app.Metrics.CacheMisses.WithLabelValues(endpoint).Inc()
}
