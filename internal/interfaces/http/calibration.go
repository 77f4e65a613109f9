package http

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/calib"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

const topWeightCount = 5

type calibrationRunRequest struct {
	Asset string `json:"asset"`
	AsOf  string `json:"asOf"`
}

type calibrationRunResponse struct {
	VersionID   string                             `json:"versionId"`
	Asset       string                             `json:"asset"`
	Status      string                             `json:"status"`
	Sanity      map[string]bool                    `json:"sanity"`
	TopWeights  []persistence.WeightComponent      `json:"topWeights"`
	Diagnostics persistence.CalibrationDiagnostics `json:"diagnostics"`
}

// RunCalibration handles POST /api/brain/v2/calibration/run. A rejected run
// is a 200: the version is persisted with its diagnostics either way, and
// the caller inspects status.
func (h *Handlers) RunCalibration(w http.ResponseWriter, r *http.Request) {
	var req calibrationRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "body must be JSON with asset and optional asOf")
		return
	}
	if req.Asset == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_asset", "asset is required")
		return
	}
	asOf := asof.Day(time.Now().UTC())
	if req.AsOf != "" {
		d, ok := parseDate(req.AsOf)
		if !ok {
			h.writeError(w, r, http.StatusBadRequest, "invalid_date", "asOf must be YYYY-MM-DD or RFC 3339")
			return
		}
		asOf = asof.Day(d)
	}

	set, err := h.app.Calib.Run(r.Context(), req.Asset, asOf)
	if err != nil {
		h.app.Metrics.CalibrationRuns.WithLabelValues("error").Inc()
		h.writeError(w, r, http.StatusInternalServerError, "calibration_failed", err.Error())
		return
	}
	h.app.Metrics.CalibrationRuns.WithLabelValues(strings.ToLower(set.Status)).Inc()

	h.writeJSON(w, http.StatusOK, calibrationRunResponse{
		VersionID: set.VersionID,
		Asset:     set.Asset,
		Status:    set.Status,
		Sanity: map[string]bool{
			"sumWeightsOk": set.Metrics[calib.MetricSumWeightsOk] == 1,
			"maxWeightOk":  set.Metrics[calib.MetricMaxWeightOk] == 1,
			"coverageOk":   set.Metrics[calib.MetricCoverageOk] == 1,
		},
		TopWeights:  h.topWeights(set),
		Diagnostics: set.Diagnostics,
	})
}

// topWeights returns the heaviest components of the shortest-horizon
// neutral bucket, the bucket live evaluation reads most often.
func (h *Handlers) topWeights(set *persistence.CalibratedWeightSet) []persistence.WeightComponent {
	// The set carries its own horizons; trust its bucket keys over whatever
	// the config says today.
	shortest := 0
	for key := range set.Buckets {
		hz, regime, ok := persistence.SplitBucketKey(key)
		if !ok || regime != "ALL" {
			continue
		}
		if shortest == 0 || hz < shortest {
			shortest = hz
		}
	}
	key := persistence.BucketKey(shortest, "ALL")
	comps := append([]persistence.WeightComponent(nil), set.Buckets[key]...)
	sort.Slice(comps, func(i, j int) bool { return comps[i].Weight > comps[j].Weight })
	if len(comps) > topWeightCount {
		comps = comps[:topWeightCount]
	}
	return comps
}

func (h *Handlers) shortestHorizon() int {
	horizons := h.app.Cfg.Calibration.HorizonsDays
	if len(horizons) == 0 {
		return 0
	}
	shortest := horizons[0]
	for _, hz := range horizons[1:] {
		if hz < shortest {
			shortest = hz
		}
	}
	return shortest
}

type effectiveWeightsResponse struct {
	Asset              string                        `json:"asset"`
	HorizonDays        int                           `json:"horizonDays"`
	RegimeLabel        string                        `json:"regimeLabel"`
	Source             calib.WeightSource            `json:"source"`
	NeedsRecalibration bool                          `json:"needsRecalibration"`
	EffectiveWeights   []persistence.WeightComponent `json:"effectiveWeights"`
}

// CalibrationWeights handles GET /api/brain/v2/calibration/weights. Always
// answers with a usable weight vector: the default set when nothing has
// been promoted, flagged through source and needsRecalibration.
func (h *Handlers) CalibrationWeights(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_asset", "asset is required")
		return
	}
	horizonDays := h.shortestHorizon()
	if raw := r.URL.Query().Get("horizonDays"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_horizon", "horizonDays must be a positive integer")
			return
		}
		horizonDays = n
	}
	regimeLabel := r.URL.Query().Get("regime")
	if regimeLabel == "" {
		regimeLabel = "ALL"
	}

	comps, source, needsRecal, err := h.app.Calib.EffectiveWeights(r.Context(), asset, horizonDays, regimeLabel)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "weights_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, effectiveWeightsResponse{
		Asset:              asset,
		HorizonDays:        horizonDays,
		RegimeLabel:        regimeLabel,
		Source:             source,
		NeedsRecalibration: needsRecal,
		EffectiveWeights:   comps,
	})
}
