// Package calib implements walk-forward weight calibration: per-series
// publication-lag search, hit-rate scoring against forward returns,
// regime-conditioned weight buckets with recorded fallbacks, and sanity
// gating of the resulting version.
package calib

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/regime"
)

// SeriesSource supplies raw (unfiltered) observation series. Availability
// filtering happens inside the engine, per evaluation date.
type SeriesSource interface {
	GetSeriesPoints(ctx context.Context, seriesID string) ([]asof.Point, error)
}

// RegimeLabeler reports the macro regime label in force on a historical
// date. Implementations must not look ahead of the date they are asked
// about.
type RegimeLabeler interface {
	LabelAt(ctx context.Context, date time.Time) (string, error)
}

// regimeAll is the unconditioned bucket every sample also feeds.
const regimeAll = "ALL"

// Sanity check metric keys stored on every version.
const (
	MetricSumWeightsOk = "sumWeightsOk"
	MetricMaxWeightOk  = "maxWeightOk"
	MetricCoverageOk   = "coverageOk"
)

// WeightSource tells a caller whether effective weights came from a
// calibrated version or the fixed baseline.
type WeightSource string

const (
	SourceCalibrated WeightSource = "calibrated"
	SourceDefault    WeightSource = "default"
)

// Engine runs walk-forward calibrations and resolves effective weights.
type Engine struct {
	cfg        config.CalibrationConfig
	candidates []config.CandidateSeries
	lags       *asof.LagTable
	source     SeriesSource
	regimes    RegimeLabeler
	versions   persistence.WeightVersionRepo
	log        zerolog.Logger
}

// NewEngine wires a calibration engine. regimes may be nil, in which case
// only the unconditioned bucket is produced.
func NewEngine(cfg config.CalibrationConfig, series config.SeriesConfig, source SeriesSource, regimes RegimeLabeler, versions persistence.WeightVersionRepo) *Engine {
	return &Engine{
		cfg:        cfg,
		candidates: series.Candidates,
		lags:       asof.NewLagTable(series.Lags),
		source:     source,
		regimes:    regimes,
		versions:   versions,
		log:        log.With().Str("component", "calib").Logger(),
	}
}

// bucketTally accumulates per-series, per-lag hit counts for one bucket.
type bucketTally struct {
	samples  int
	complete int
	hits     map[string]map[int]int // seriesID -> lag -> hits
	totals   map[string]map[int]int
}

func newBucketTally() *bucketTally {
	return &bucketTally{
		hits:   make(map[string]map[int]int),
		totals: make(map[string]map[int]int),
	}
}

func (b *bucketTally) record(seriesID string, lag int, hit bool) {
	if b.hits[seriesID] == nil {
		b.hits[seriesID] = make(map[int]int)
		b.totals[seriesID] = make(map[int]int)
	}
	b.totals[seriesID][lag]++
	if hit {
		b.hits[seriesID][lag]++
	}
}

// Run executes one walk-forward calibration for asset as of asOf, persists
// the resulting version (promoted or rejected) and returns it. Nothing
// observed after asOf influences the result.
func (e *Engine) Run(ctx context.Context, asset string, asOf time.Time) (*persistence.CalibratedWeightSet, error) {
	if len(e.candidates) == 0 {
		return nil, fmt.Errorf("calibration: no candidate series configured")
	}

	asOf = asof.Day(asOf)
	start := time.Now()

	prices, err := e.source.GetSeriesPoints(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("calibration: load price series %s: %w", asset, err)
	}
	prices = e.lags.FilterAvailable(asset, prices, asOf)

	raw := make(map[string][]asof.Point, len(e.candidates))
	for _, cand := range e.candidates {
		pts, err := e.source.GetSeriesPoints(ctx, cand.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("calibration: load series %s: %w", cand.SeriesID, err)
		}
		// Everything after the calibration date is off limits regardless of
		// how much the source returned.
		raw[cand.SeriesID] = e.lags.FilterAvailable(cand.SeriesID, pts, asOf)
	}

	tallies := make(map[string]*bucketTally)
	tally := func(key string) *bucketTally {
		t, ok := tallies[key]
		if !ok {
			t = newBucketTally()
			tallies[key] = t
		}
		return t
	}

	trainStart := asOf.AddDate(0, 0, -e.cfg.TrainingWindowDays)
	step := e.cfg.SampleStepDays
	if step <= 0 {
		step = 1
	}

	for d := trainStart; !d.After(asOf); d = d.AddDate(0, 0, step) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		label := ""
		if e.regimes != nil {
			if l, err := e.regimes.LabelAt(ctx, d); err == nil {
				label = l
			}
		}

		// Signals visible at d, per series and candidate lag.
		type obs struct {
			sign int
			ok   bool
		}
		signs := make(map[string]map[int]obs, len(e.candidates))
		complete := true
		for _, cand := range e.candidates {
			avail := e.lags.FilterAvailable(cand.SeriesID, raw[cand.SeriesID], d)
			perLag := make(map[int]obs, len(e.cfg.CandidateLags))
			for _, lag := range e.cfg.CandidateLags {
				z, ok := ZScoreAt(avail, asof.Day(d).AddDate(0, 0, -lag), e.cfg.ZScoreWindowDays)
				if !ok {
					complete = false
					perLag[lag] = obs{}
					continue
				}
				perLag[lag] = obs{sign: signOf(cand.ExpectedSign * z), ok: true}
			}
			signs[cand.SeriesID] = perLag
		}

		for _, horizon := range e.cfg.HorizonsDays {
			fwd, ok := ForwardReturn(prices, d, horizon)
			if !ok {
				continue
			}
			fwdSign := signOf(fwd)

			keys := []string{persistence.BucketKey(horizon, regimeAll)}
			if label != "" {
				keys = append(keys, persistence.BucketKey(horizon, label))
			}
			for _, key := range keys {
				t := tally(key)
				t.samples++
				if complete {
					t.complete++
				}
				for _, cand := range e.candidates {
					for _, lag := range e.cfg.CandidateLags {
						o := signs[cand.SeriesID][lag]
						if !o.ok {
							continue
						}
						t.record(cand.SeriesID, lag, o.sign != 0 && o.sign == fwdSign)
					}
				}
			}
		}
	}

	prev, err := e.versions.LatestPromoted(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("calibration: load previous version: %w", err)
	}

	set := e.assemble(asset, tallies, prev)
	set.Metrics["elapsedSeconds"] = time.Since(start).Seconds()

	if err := e.versions.Upsert(ctx, *set); err != nil {
		return nil, fmt.Errorf("calibration: persist version: %w", err)
	}

	e.log.Info().
		Str("asset", asset).
		Str("version", set.VersionID).
		Str("status", set.Status).
		Int("buckets", len(set.Buckets)).
		Msg("calibration run complete")
	return set, nil
}

// assemble turns raw tallies into the final versioned weight set: lag
// selection, edge weighting, fallback substitution, smoothing against the
// previous promoted version and sanity gating.
func (e *Engine) assemble(asset string, tallies map[string]*bucketTally, prev *persistence.CalibratedWeightSet) *persistence.CalibratedWeightSet {
	diag := persistence.CalibrationDiagnostics{
		Coverage:     make(map[string]float64),
		SampleCounts: make(map[string]int),
		Fallbacks:    make(map[string]string),
		Drift:        make(map[string]float64),
	}
	buckets := make(map[string][]persistence.WeightComponent)

	// Unconditioned buckets first so regime buckets can fall back to them.
	allByHorizon := make(map[int][]persistence.WeightComponent, len(e.cfg.HorizonsDays))
	for _, horizon := range e.cfg.HorizonsDays {
		key := persistence.BucketKey(horizon, regimeAll)
		t := tallies[key]
		comps, usedBaseline := e.bucketComponents(t)
		if usedBaseline {
			diag.Fallbacks[key] = "baseline"
		}
		buckets[key] = comps
		allByHorizon[horizon] = comps
		diag.SampleCounts[key] = sampleCount(t)
		diag.Coverage[key] = coverage(t)
	}

	labels := regime.LabelsFor(regime.ScopeMacro)
	for _, horizon := range e.cfg.HorizonsDays {
		for _, label := range labels {
			key := persistence.BucketKey(horizon, label)
			t := tallies[key]
			n := sampleCount(t)
			cov := coverage(t)
			diag.SampleCounts[key] = n
			diag.Coverage[key] = cov

			if n < e.cfg.MinSamplesPerRegime || cov < e.cfg.MinCoverage {
				// Thin bucket: substitute, and say so.
				allKey := persistence.BucketKey(horizon, regimeAll)
				if diag.Fallbacks[allKey] == "baseline" {
					diag.Fallbacks[key] = "baseline"
				} else {
					diag.Fallbacks[key] = allKey
				}
				buckets[key] = cloneComponents(allByHorizon[horizon])
				continue
			}
			comps, usedBaseline := e.bucketComponents(t)
			if usedBaseline {
				diag.Fallbacks[key] = "baseline"
			}
			buckets[key] = comps
		}
	}

	// Smooth toward the previous promoted version and record drift.
	if prev != nil {
		for key, comps := range buckets {
			prevComps, ok := prev.Buckets[key]
			if !ok {
				continue
			}
			next := weightVector(comps)
			smoothed := smoothWeights(weightVector(prevComps), next, e.cfg.Smoothing)
			smoothed = clampRenormalize(smoothed, e.cfg.MinWeight, e.cfg.MaxWeight)
			buckets[key] = applyVector(comps, smoothed)
			diag.Drift[key] = weightDrift(weightVector(prevComps), smoothed)
		}
	}

	set := &persistence.CalibratedWeightSet{
		VersionID:   uuid.NewString(),
		Asset:       asset,
		CreatedAt:   time.Now().UTC(),
		Status:      persistence.VersionPromoted,
		Buckets:     buckets,
		Diagnostics: diag,
		Metrics:     make(map[string]float64),
	}
	e.applySanity(set)
	return set
}

// bucketComponents selects each series' best lag and converts hit-rate edge
// into weights. The boolean reports a baseline substitution because the
// total edge was negligible or the tally was empty.
func (e *Engine) bucketComponents(t *bucketTally) ([]persistence.WeightComponent, bool) {
	if t == nil || t.samples == 0 {
		return e.baselineComponents(), true
	}

	type pick struct {
		seriesID string
		lag      int
		hitRate  float64
		edge     float64
	}
	picks := make([]pick, 0, len(e.candidates))
	totalEdge := 0.0
	for _, cand := range e.candidates {
		best := pick{seriesID: cand.SeriesID, lag: e.cfg.CandidateLags[0], hitRate: 0.5}
		// Ascending lag order makes ties resolve to the shortest lag.
		for _, lag := range e.cfg.CandidateLags {
			total := t.totals[cand.SeriesID][lag]
			if total == 0 {
				continue
			}
			hr := float64(t.hits[cand.SeriesID][lag]) / float64(total)
			if hr > best.hitRate {
				best.lag = lag
				best.hitRate = hr
			}
		}
		best.edge = best.hitRate - 0.5
		if best.edge < 0 {
			best.edge = 0
		}
		totalEdge += best.edge
		picks = append(picks, best)
	}

	if totalEdge < e.cfg.MinEdgeTotal {
		return e.baselineComponents(), true
	}

	weights := make(map[string]float64, len(picks))
	for _, p := range picks {
		weights[p.seriesID] = p.edge / totalEdge
	}
	weights = clampRenormalize(weights, e.cfg.MinWeight, e.cfg.MaxWeight)

	comps := make([]persistence.WeightComponent, 0, len(picks))
	for _, p := range picks {
		comps = append(comps, persistence.WeightComponent{
			SeriesID: p.seriesID,
			Weight:   weights[p.seriesID],
			LagDays:  p.lag,
			HitRate:  p.hitRate,
		})
	}
	sortComponents(comps)
	return comps, false
}

// baselineComponents is the fixed neutral table used whenever calibration
// cannot produce a defensible vector. Equal weights, shortest lag, and a
// coin-flip hit rate so downstream consumers can tell it apart from a
// calibrated bucket.
func (e *Engine) baselineComponents() []persistence.WeightComponent {
	n := len(e.candidates)
	comps := make([]persistence.WeightComponent, 0, n)
	w := 1.0 / float64(n)
	lag := 0
	if len(e.cfg.CandidateLags) > 0 {
		lag = e.cfg.CandidateLags[0]
	}
	for _, cand := range e.candidates {
		comps = append(comps, persistence.WeightComponent{
			SeriesID: cand.SeriesID,
			Weight:   w,
			LagDays:  lag,
			HitRate:  0.5,
		})
	}
	sortComponents(comps)
	return comps
}

// applySanity runs the version-level sanity checks and downgrades the
// status to REJECTED on any failure. The version is still persisted either
// way.
func (e *Engine) applySanity(set *persistence.CalibratedWeightSet) {
	sumOk := true
	maxOk := true
	maxWeight := 0.0
	for _, comps := range set.Buckets {
		sum := 0.0
		for _, c := range comps {
			sum += c.Weight
			if c.Weight > maxWeight {
				maxWeight = c.Weight
			}
		}
		if sum < 1-e.cfg.WeightSumTolerance || sum > 1+e.cfg.WeightSumTolerance {
			sumOk = false
		}
	}
	if maxWeight > e.cfg.MaxWeight+1e-9 {
		maxOk = false
	}

	covOk := true
	for _, horizon := range e.cfg.HorizonsDays {
		key := persistence.BucketKey(horizon, regimeAll)
		if set.Diagnostics.Coverage[key] < e.cfg.MinCoverage {
			covOk = false
		}
	}

	set.Metrics[MetricSumWeightsOk] = boolMetric(sumOk)
	set.Metrics[MetricMaxWeightOk] = boolMetric(maxOk)
	set.Metrics[MetricCoverageOk] = boolMetric(covOk)
	set.Metrics["maxWeight"] = maxWeight

	if !sumOk || !maxOk || !covOk {
		set.Status = persistence.VersionRejected
	}
}

// EffectiveWeights resolves the weights a consumer should use right now for
// an (asset, horizon, regime) triple: the latest promoted version's bucket,
// its per-horizon fallback, or the baseline when nothing is promoted.
func (e *Engine) EffectiveWeights(ctx context.Context, asset string, horizonDays int, regimeLabel string) ([]persistence.WeightComponent, WeightSource, bool, error) {
	v, err := e.versions.LatestPromoted(ctx, asset)
	if err != nil {
		return nil, SourceDefault, true, err
	}
	if v == nil {
		return e.baselineComponents(), SourceDefault, true, nil
	}
	needsRecal := time.Since(v.CreatedAt) > time.Duration(e.cfg.RecalibrateAfterDays)*24*time.Hour

	if regimeLabel != "" {
		if comps, ok := v.Buckets[persistence.BucketKey(horizonDays, regimeLabel)]; ok {
			return cloneComponents(comps), SourceCalibrated, needsRecal, nil
		}
	}
	if comps, ok := v.Buckets[persistence.BucketKey(horizonDays, regimeAll)]; ok {
		return cloneComponents(comps), SourceCalibrated, needsRecal, nil
	}
	return e.baselineComponents(), SourceDefault, needsRecal, nil
}

// LatestPromotedVersion returns the id of the newest promoted version for
// an asset, empty when none exists.
func (e *Engine) LatestPromotedVersion(ctx context.Context, asset string) (string, error) {
	v, err := e.versions.LatestPromoted(ctx, asset)
	if err != nil || v == nil {
		return "", err
	}
	return v.VersionID, nil
}

func sampleCount(t *bucketTally) int {
	if t == nil {
		return 0
	}
	return t.samples
}

func coverage(t *bucketTally) float64 {
	if t == nil || t.samples == 0 {
		return 0
	}
	return float64(t.complete) / float64(t.samples)
}

func weightVector(comps []persistence.WeightComponent) map[string]float64 {
	out := make(map[string]float64, len(comps))
	for _, c := range comps {
		out[c.SeriesID] = c.Weight
	}
	return out
}

// applyVector rewrites component weights from a vector while keeping lag and
// hit-rate metadata.
func applyVector(comps []persistence.WeightComponent, w map[string]float64) []persistence.WeightComponent {
	out := cloneComponents(comps)
	for i := range out {
		out[i].Weight = w[out[i].SeriesID]
	}
	return out
}

func cloneComponents(comps []persistence.WeightComponent) []persistence.WeightComponent {
	out := make([]persistence.WeightComponent, len(comps))
	copy(out, comps)
	return out
}

func sortComponents(comps []persistence.WeightComponent) {
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Weight != comps[j].Weight {
			return comps[i].Weight > comps[j].Weight
		}
		return comps[i].SeriesID < comps[j].SeriesID
	})
}

func boolMetric(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
