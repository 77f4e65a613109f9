// Package sim replays the baseline and upgraded engines over a historical
// window and scores the upgrade against acceptance gates. The harness reads
// through the publication-lag layer only, so a replayed date sees exactly
// what a live evaluation on that date would have seen.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/calib"
	"github.com/fractal-platform/macrobrain/internal/config"
	joblog "github.com/fractal-platform/macrobrain/internal/log"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/shadow"
)

// Gate names reported in the verdict.
const (
	GateDeltaHitRate      = "deltaHitRateAny"
	GateNoDegradation     = "noDegradation"
	GateFlipRate          = "brainFlipRate"
	GateOverrideIntensity = "maxOverrideIntensity"
)

// OverrideSource reports how hard risk overrides were pressing on a
// historical date, in [0, 1]. Zero means the engine output passed through
// untouched.
type OverrideSource interface {
	IntensityAt(ctx context.Context, date time.Time) (float64, error)
}

// HorizonResult is the off/on comparison for one horizon.
type HorizonResult struct {
	Horizon    string  `json:"horizon"`
	Samples    int     `json:"samples"`
	HitRateOff float64 `json:"hitRateOff"`
	HitRateOn  float64 `json:"hitRateOn"`
	DeltaPp    float64 `json:"deltaPp"`
}

// Gate is one acceptance check of the verdict.
type Gate struct {
	Name      string  `json:"name"`
	Pass      bool    `json:"pass"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Result is a full simulation report.
type Result struct {
	Asset                string          `json:"asset"`
	From                 time.Time       `json:"from"`
	To                   time.Time       `json:"to"`
	StepDays             int             `json:"stepDays"`
	DatesEvaluated       int             `json:"datesEvaluated"`
	DatesSkipped         int             `json:"datesSkipped"`
	Horizons             []HorizonResult `json:"horizons"`
	FlipRate             float64         `json:"flipRate"`
	MaxOverrideIntensity float64         `json:"maxOverrideIntensity"`
	Gates                []Gate          `json:"gates"`
	Ready                bool            `json:"ready"`
	Reasons              []string        `json:"reasons"`
}

// Harness replays the two engines over history. It holds no mutable state:
// an interrupted run can simply be rerun over the remaining window.
type Harness struct {
	cfg       config.SimConfig
	calCfg    config.CalibrationConfig
	seriesCfg config.SeriesConfig
	lags      *asof.LagTable
	source    calib.SeriesSource
	off       shadow.Engine
	on        shadow.Engine
	regimes   calib.RegimeLabeler
	overrides OverrideSource
	log       zerolog.Logger
}

// NewHarness wires a simulation harness. regimes and overrides may be nil.
func NewHarness(cfg config.SimConfig, calCfg config.CalibrationConfig, seriesCfg config.SeriesConfig, source calib.SeriesSource, off, on shadow.Engine, regimes calib.RegimeLabeler, overrides OverrideSource) *Harness {
	return &Harness{
		cfg:       cfg,
		calCfg:    calCfg,
		seriesCfg: seriesCfg,
		lags:      asof.NewLagTable(seriesCfg.Lags),
		source:    source,
		off:       off,
		on:        on,
		regimes:   regimes,
		overrides: overrides,
		log:       log.With().Str("component", "sim").Logger(),
	}
}

type horizonTally struct {
	samples int
	hitsOff int
	hitsOn  int
}

// Run replays [tr.From, tr.To] at the configured cadence and returns the
// verdict. Cancellation surfaces the context error; because the harness
// writes nothing, the caller resumes by rerunning with a narrowed window.
func (h *Harness) Run(ctx context.Context, asset string, tr persistence.TimeRange) (*Result, error) {
	from := asof.Day(tr.From)
	to := asof.Day(tr.To)
	if to.Before(from) {
		return nil, fmt.Errorf("sim: window end %s precedes start %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}
	step := h.cfg.StepDays
	if step <= 0 {
		step = 1
	}

	prices, err := h.source.GetSeriesPoints(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("sim: load price series %s: %w", asset, err)
	}

	raw := make(map[string][]asof.Point, len(h.seriesCfg.Candidates))
	for _, cand := range h.seriesCfg.Candidates {
		pts, err := h.source.GetSeriesPoints(ctx, cand.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("sim: load series %s: %w", cand.SeriesID, err)
		}
		raw[cand.SeriesID] = pts
	}

	res := &Result{
		Asset:    asset,
		From:     from,
		To:       to,
		StepDays: step,
	}
	tallies := make(map[int]*horizonTally, len(h.calCfg.HorizonsDays))
	for _, hz := range h.calCfg.HorizonsDays {
		tallies[hz] = &horizonTally{}
	}

	progress := joblog.NewProgress("sim-replay", asof.DaysBetween(from, to)/step+1)
	flips := 0
	prevSign := 0
	signSamples := 0

	for d := from; !d.After(to); d = d.AddDate(0, 0, step) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.Step(d.Format("2006-01-02"))

		signals := h.signalsAt(d, raw)
		if len(signals) == 0 {
			res.DatesSkipped++
			continue
		}

		label := ""
		if h.regimes != nil {
			if l, err := h.regimes.LabelAt(ctx, d); err == nil {
				label = l
			}
		}
		in := shadow.Inputs{Asset: asset, AsOf: d, Signals: signals, RegimeLabel: label}

		evalOff, err := h.off.Evaluate(ctx, in)
		if err != nil {
			res.DatesSkipped++
			continue
		}
		evalOn, err := h.on.Evaluate(ctx, in)
		if err != nil {
			res.DatesSkipped++
			continue
		}
		res.DatesEvaluated++

		if h.overrides != nil {
			if intensity, err := h.overrides.IntensityAt(ctx, d); err == nil && intensity > res.MaxOverrideIntensity {
				res.MaxOverrideIntensity = intensity
			}
		}

		// Flip tracking on the upgraded engine's shortest-horizon direction.
		if s := directionOf(evalOn, h.calCfg.HorizonsDays); s != 0 {
			if prevSign != 0 && s != prevSign {
				flips++
			}
			if prevSign != 0 {
				signSamples++
			}
			prevSign = s
		}

		pricesAvail := h.lags.FilterAvailable(asset, prices, to)
		for _, hz := range h.calCfg.HorizonsDays {
			fwd, ok := calib.ForwardReturn(pricesAvail, d, hz)
			if !ok {
				continue
			}
			la := persistence.HorizonLabel(hz)
			t := tallies[hz]
			t.samples++
			if hit(evalOff.Horizons[la].ExpectedReturn, fwd) {
				t.hitsOff++
			}
			if hit(evalOn.Horizons[la].ExpectedReturn, fwd) {
				t.hitsOn++
			}
		}
	}
	progress.Done()

	if signSamples > 0 {
		res.FlipRate = float64(flips) / float64(signSamples)
	}
	for _, hz := range h.calCfg.HorizonsDays {
		t := tallies[hz]
		hr := HorizonResult{Horizon: persistence.HorizonLabel(hz), Samples: t.samples}
		if t.samples > 0 {
			hr.HitRateOff = float64(t.hitsOff) / float64(t.samples)
			hr.HitRateOn = float64(t.hitsOn) / float64(t.samples)
			hr.DeltaPp = (hr.HitRateOn - hr.HitRateOff) * 100
		}
		res.Horizons = append(res.Horizons, hr)
	}

	h.applyGates(res)
	h.log.Info().
		Str("asset", asset).
		Int("dates", res.DatesEvaluated).
		Bool("ready", res.Ready).
		Msg("simulation run complete")
	return res, nil
}

// signalsAt builds the z-score vector visible on date d.
func (h *Harness) signalsAt(d time.Time, raw map[string][]asof.Point) map[string]float64 {
	signals := make(map[string]float64, len(h.seriesCfg.Candidates))
	for _, cand := range h.seriesCfg.Candidates {
		avail := h.lags.FilterAvailable(cand.SeriesID, raw[cand.SeriesID], d)
		if z, ok := calib.ZScoreAt(avail, d, h.calCfg.ZScoreWindowDays); ok {
			signals[cand.SeriesID] = z
		}
	}
	return signals
}

// directionOf is the sign of the shortest configured horizon's expected
// return.
func directionOf(eval shadow.Evaluation, horizons []int) int {
	if len(horizons) == 0 {
		return 0
	}
	min := horizons[0]
	for _, h := range horizons[1:] {
		if h < min {
			min = h
		}
	}
	v := eval.Horizons[persistence.HorizonLabel(min)].ExpectedReturn
	switch {
	case v > 1e-9:
		return 1
	case v < -1e-9:
		return -1
	default:
		return 0
	}
}

func hit(expected, realized float64) bool {
	const eps = 1e-9
	return (expected > eps && realized > eps) || (expected < -eps && realized < -eps)
}

// applyGates computes the verdict from the collected metrics.
func (h *Harness) applyGates(res *Result) {
	avgDelta := 0.0
	worstDelta := 0.0
	for i, hr := range res.Horizons {
		avgDelta += hr.DeltaPp
		if i == 0 || hr.DeltaPp < worstDelta {
			worstDelta = hr.DeltaPp
		}
	}
	if len(res.Horizons) > 0 {
		avgDelta /= float64(len(res.Horizons))
	}

	res.Gates = []Gate{
		{
			Name:      GateDeltaHitRate,
			Pass:      avgDelta >= h.cfg.MinAvgDeltaPp,
			Value:     avgDelta,
			Threshold: h.cfg.MinAvgDeltaPp,
		},
		{
			Name:      GateNoDegradation,
			Pass:      worstDelta >= -h.cfg.MaxDegradationPp,
			Value:     worstDelta,
			Threshold: -h.cfg.MaxDegradationPp,
		},
		{
			Name:      GateFlipRate,
			Pass:      res.FlipRate <= h.cfg.MaxFlipRate,
			Value:     res.FlipRate,
			Threshold: h.cfg.MaxFlipRate,
		},
		{
			Name:      GateOverrideIntensity,
			Pass:      res.MaxOverrideIntensity <= h.cfg.MaxOverrideIntensity,
			Value:     res.MaxOverrideIntensity,
			Threshold: h.cfg.MaxOverrideIntensity,
		},
	}

	res.Ready = true
	for _, g := range res.Gates {
		if !g.Pass {
			res.Ready = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %.4f vs threshold %.4f", g.Name, g.Value, g.Threshold))
		}
	}
}
