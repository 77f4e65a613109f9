package data

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/calib"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/guard"
)

// Well-known series ids the world-state builder keys on.
const (
	SeriesVIX       = "VIX"
	SeriesCredit    = "CREDIT_SPREAD_BAA"
	SeriesLiquidity = "M2_YOY"
)

// liquidityImpulseLookback is how far back the liquidity z-score is compared
// to compute the impulse.
const liquidityImpulseLookback = 21

// SeriesWorldSource derives the world state from raw series through the
// publication-lag layer. All lookups honor asOf.
type SeriesWorldSource struct {
	source     SeriesSource
	lags       *asof.LagTable
	candidates []config.CandidateSeries
	zWindow    int
}

// NewSeriesWorldSource builds the standard world-state source.
func NewSeriesWorldSource(source SeriesSource, series config.SeriesConfig, zWindowDays int) *SeriesWorldSource {
	return &SeriesWorldSource{
		source:     source,
		lags:       asof.NewLagTable(series.Lags),
		candidates: series.Candidates,
		zWindow:    zWindowDays,
	}
}

// BuildWorldState assembles the snapshot for asOf. Individual stale or
// missing series are recorded, not fatal; the source only errors when the
// underlying provider does.
func (s *SeriesWorldSource) BuildWorldState(ctx context.Context, asOf time.Time) (WorldState, error) {
	asOf = asof.Day(asOf)
	ws := WorldState{
		AsOf:            asOf,
		Signals:         make(map[string]float64, len(s.candidates)),
		LiquidityRegime: guard.LiquidityNeutral,
	}

	signedSum := 0.0
	signedN := 0
	for _, cand := range s.candidates {
		pts, err := s.source.GetSeriesPoints(ctx, cand.SeriesID)
		if err != nil {
			return WorldState{}, fmt.Errorf("world state: load %s: %w", cand.SeriesID, err)
		}
		avail := s.lags.FilterAvailable(cand.SeriesID, pts, asOf)
		if s.isStale(cand.SeriesID, avail, asOf) {
			ws.Stale = append(ws.Stale, cand.SeriesID)
		}
		z, ok := calib.ZScoreAt(avail, asOf, s.zWindow)
		if !ok {
			continue
		}
		ws.Signals[cand.SeriesID] = z
		signedSum += cand.ExpectedSign * z
		signedN++
	}
	if signedN > 0 {
		// Positive macro score means stress: the sign-adjusted composite is
		// "good news positive", so invert it.
		ws.CrossAssetScore = signedSum / float64(signedN)
		ws.MacroScore = -ws.CrossAssetScore
	}

	if pts, err := s.source.GetSeriesPoints(ctx, SeriesVIX); err == nil {
		if p, ok := s.lags.LatestAvailable(SeriesVIX, pts, asOf); ok {
			ws.VIX = p.Value
		}
	}

	if z, ok := ws.Signals[SeriesCredit]; ok {
		// Credit stress z maps onto [0, 1]; the candidate sign is -1 so the
		// raw (unsigned) z is what widens with spreads.
		ws.CreditComposite = logistic(z)
	}

	if pts, err := s.source.GetSeriesPoints(ctx, SeriesLiquidity); err == nil {
		avail := s.lags.FilterAvailable(SeriesLiquidity, pts, asOf)
		if z, ok := calib.ZScoreAt(avail, asOf, s.zWindow); ok {
			switch {
			case z > 0.3:
				ws.LiquidityRegime = guard.LiquidityExpansion
			case z < -0.3:
				ws.LiquidityRegime = guard.LiquidityContraction
			}
			back := asOf.AddDate(0, 0, -liquidityImpulseLookback)
			if zPrev, ok := calib.ZScoreAt(s.lags.FilterAvailable(SeriesLiquidity, pts, back), back, s.zWindow); ok {
				ws.LiquidityImpulse = z - zPrev
			}
		}
	}

	return ws, nil
}

func (s *SeriesWorldSource) isStale(seriesID string, avail []asof.Point, asOf time.Time) bool {
	if len(avail) == 0 {
		return true
	}
	last := avail[len(avail)-1]
	return asof.DaysBetween(last.Date, asOf) > s.lags.MaxStaleness(seriesID)
}

func logistic(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
