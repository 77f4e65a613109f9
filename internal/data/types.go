// Package data supplies the engine's inputs: raw observation series, the
// derived world state snapshot, the circuit-broken source wrapper and the
// short-TTL score cache.
package data

import (
	"context"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/guard"
)

// SeriesSource returns the full observation history of one series.
// Publication-lag filtering happens downstream, never in the source.
type SeriesSource interface {
	GetSeriesPoints(ctx context.Context, seriesID string) ([]asof.Point, error)
}

// WorldState is everything the classifiers read for one evaluation date.
type WorldState struct {
	AsOf             time.Time             `json:"asOf"`
	CreditComposite  float64               `json:"creditComposite"`
	VIX              float64               `json:"vix"`
	MacroScore       float64               `json:"macroScore"`
	LiquidityRegime  guard.LiquidityRegime `json:"liquidityRegime"`
	LiquidityImpulse float64               `json:"liquidityImpulse"`
	CrossAssetScore  float64               `json:"crossAssetScore"`
	Signals          map[string]float64    `json:"signals"`
	Stale            []string              `json:"stale,omitempty"`
}

// WorldStateSource assembles the world state visible on a date.
type WorldStateSource interface {
	BuildWorldState(ctx context.Context, asOf time.Time) (WorldState, error)
}
