// Package shadow runs a second scoring engine on every live evaluation,
// audits the divergence between the two, and auto-downgrades routing to the
// previously-stable engine when the divergence persists.
package shadow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fractal-platform/macrobrain/internal/calib"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// Engine versions routed by governance.
const (
	VersionBaseline   = "v1"
	VersionCalibrated = "v2"
)

// Inputs is one evaluation request. Signals are the raw z-scores of the
// candidate series, sign convention not yet applied.
type Inputs struct {
	Asset       string             `json:"asset"`
	AsOf        time.Time          `json:"asOf"`
	Signals     map[string]float64 `json:"signals"`
	RegimeLabel string             `json:"regimeLabel"`
}

// HorizonOutput is one horizon's directional score and confidence.
type HorizonOutput struct {
	ExpectedReturn float64 `json:"expectedReturn"`
	Confidence     float64 `json:"confidence"`
}

// Evaluation is a full engine answer for one asset and date.
type Evaluation struct {
	Version          string                   `json:"version"`
	WeightsVersionID string                   `json:"weightsVersionId"`
	RegimeLabel      string                   `json:"regimeLabel"`
	Horizons         map[string]HorizonOutput `json:"horizons"`
}

// Engine scores an asset across the configured horizons.
type Engine interface {
	Version() string
	Evaluate(ctx context.Context, in Inputs) (Evaluation, error)
}

// score folds weighted, sign-adjusted signals into a directional score.
// Signals are clipped to ±3 sigma so one broken series cannot dominate.
func score(components []persistence.WeightComponent, signs map[string]float64, signals map[string]float64) float64 {
	total := 0.0
	for _, c := range components {
		z, ok := signals[c.SeriesID]
		if !ok {
			continue
		}
		z = math.Max(-3, math.Min(3, z))
		total += c.Weight * signs[c.SeriesID] * z
	}
	return total
}

func confidence(score float64) float64 {
	return math.Tanh(math.Abs(score))
}

func signTable(candidates []config.CandidateSeries) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.SeriesID] = c.ExpectedSign
	}
	return out
}

// BaselineEngine is the v1 scorer: fixed equal weights, no regime
// conditioning. It is the fallback routing target after a downgrade.
type BaselineEngine struct {
	candidates []config.CandidateSeries
	signs      map[string]float64
	horizons   []int
}

// NewBaselineEngine builds the fixed-weight engine.
func NewBaselineEngine(series config.SeriesConfig, horizons []int) *BaselineEngine {
	return &BaselineEngine{
		candidates: series.Candidates,
		signs:      signTable(series.Candidates),
		horizons:   horizons,
	}
}

func (e *BaselineEngine) Version() string { return VersionBaseline }

func (e *BaselineEngine) Evaluate(_ context.Context, in Inputs) (Evaluation, error) {
	if len(e.candidates) == 0 {
		return Evaluation{}, fmt.Errorf("baseline engine: no candidate series")
	}
	w := 1.0 / float64(len(e.candidates))
	comps := make([]persistence.WeightComponent, 0, len(e.candidates))
	for _, c := range e.candidates {
		comps = append(comps, persistence.WeightComponent{SeriesID: c.SeriesID, Weight: w})
	}

	out := Evaluation{
		Version:          VersionBaseline,
		WeightsVersionID: "baseline",
		RegimeLabel:      in.RegimeLabel,
		Horizons:         make(map[string]HorizonOutput, len(e.horizons)),
	}
	s := score(comps, e.signs, in.Signals)
	for _, h := range e.horizons {
		out.Horizons[persistence.HorizonLabel(h)] = HorizonOutput{
			ExpectedReturn: s,
			Confidence:     confidence(s),
		}
	}
	return out, nil
}

// CalibratedEngine is the v2 scorer: per-horizon, regime-conditioned weights
// resolved from the latest promoted calibration version.
type CalibratedEngine struct {
	calib    *calib.Engine
	signs    map[string]float64
	horizons []int
}

// NewCalibratedEngine builds the calibration-backed engine.
func NewCalibratedEngine(cal *calib.Engine, series config.SeriesConfig, horizons []int) *CalibratedEngine {
	return &CalibratedEngine{
		calib:    cal,
		signs:    signTable(series.Candidates),
		horizons: horizons,
	}
}

func (e *CalibratedEngine) Version() string { return VersionCalibrated }

func (e *CalibratedEngine) Evaluate(ctx context.Context, in Inputs) (Evaluation, error) {
	out := Evaluation{
		Version:     VersionCalibrated,
		RegimeLabel: in.RegimeLabel,
		Horizons:    make(map[string]HorizonOutput, len(e.horizons)),
	}
	for _, h := range e.horizons {
		comps, source, _, err := e.calib.EffectiveWeights(ctx, in.Asset, h, in.RegimeLabel)
		if err != nil {
			return Evaluation{}, fmt.Errorf("calibrated engine: resolve weights: %w", err)
		}
		if source == calib.SourceCalibrated && out.WeightsVersionID == "" {
			out.WeightsVersionID = e.weightsVersion(ctx, in.Asset)
		}
		s := score(comps, e.signs, in.Signals)
		out.Horizons[persistence.HorizonLabel(h)] = HorizonOutput{
			ExpectedReturn: s,
			Confidence:     confidence(s),
		}
	}
	if out.WeightsVersionID == "" {
		out.WeightsVersionID = "baseline"
	}
	return out, nil
}

func (e *CalibratedEngine) weightsVersion(ctx context.Context, asset string) string {
	if v, err := e.calib.LatestPromotedVersion(ctx, asset); err == nil && v != "" {
		return v
	}
	return "baseline"
}
