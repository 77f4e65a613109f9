package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/guard"
	"github.com/fractal-platform/macrobrain/internal/regime"
)

var dataBase = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func dataDay(n int) time.Time { return dataBase.AddDate(0, 0, n) }

type mapSource map[string][]asof.Point

func (s mapSource) GetSeriesPoints(_ context.Context, id string) ([]asof.Point, error) {
	return s[id], nil
}

type failingSource struct{ err error }

func (s failingSource) BuildWorldState(context.Context, time.Time) (WorldState, error) {
	return WorldState{}, s.err
}

// flakySource fails after serving n good builds.
type flakySource struct {
	inner WorldStateSource
	good  int
	calls int
}

func (s *flakySource) BuildWorldState(ctx context.Context, asOf time.Time) (WorldState, error) {
	s.calls++
	if s.calls > s.good {
		return WorldState{}, errors.New("provider outage")
	}
	return s.inner.BuildWorldState(ctx, asOf)
}

func seriesPoints(days int, fn func(int) float64) []asof.Point {
	pts := make([]asof.Point, days)
	for t := 0; t < days; t++ {
		pts[t] = asof.Point{Date: dataDay(t), Value: fn(t)}
	}
	return pts
}

func worldFixture() (mapSource, config.SeriesConfig) {
	src := mapSource{
		SeriesVIX:       seriesPoints(400, func(t int) float64 { return 15 + 0.01*float64(t%10) }),
		SeriesCredit:    seriesPoints(400, func(t int) float64 { return 2 + 0.001*float64(t%30) }),
		SeriesLiquidity: seriesPoints(400, func(t int) float64 { return 5 + 0.002*float64(t%50) }),
	}
	sc := config.SeriesConfig{
		Lags: []asof.SeriesLag{
			{SeriesID: SeriesVIX, Cadence: asof.CadenceDaily, LagDays: 0},
			{SeriesID: SeriesCredit, Cadence: asof.CadenceDaily, LagDays: 1},
			{SeriesID: SeriesLiquidity, Cadence: asof.CadenceDaily, LagDays: 1},
		},
		Candidates: []config.CandidateSeries{
			{SeriesID: SeriesCredit, ExpectedSign: -1},
			{SeriesID: SeriesLiquidity, ExpectedSign: 1},
		},
	}
	return src, sc
}

func TestBuildWorldState_Snapshot(t *testing.T) {
	src, sc := worldFixture()
	ws, err := NewSeriesWorldSource(src, sc, 252).BuildWorldState(context.Background(), dataDay(399))
	require.NoError(t, err)

	require.Equal(t, dataDay(399), ws.AsOf)
	require.InDelta(t, 15.09, ws.VIX, 0.001)
	require.Contains(t, ws.Signals, SeriesCredit)
	require.Contains(t, ws.Signals, SeriesLiquidity)
	require.Greater(t, ws.CreditComposite, 0.0)
	require.Less(t, ws.CreditComposite, 1.0)
	require.Empty(t, ws.Stale)
}

func TestBuildWorldState_FlagsStaleSeries(t *testing.T) {
	src, sc := worldFixture()
	// Liquidity stops printing 60 days before asOf.
	src[SeriesLiquidity] = src[SeriesLiquidity][:340]
	ws, err := NewSeriesWorldSource(src, sc, 252).BuildWorldState(context.Background(), dataDay(399))
	require.NoError(t, err)
	require.Contains(t, ws.Stale, SeriesLiquidity)
}

func TestBreakerSource_DegradesToLastKnown(t *testing.T) {
	src, sc := worldFixture()
	inner := &flakySource{inner: NewSeriesWorldSource(src, sc, 252), good: 1}
	b := NewBreakerSource(inner, 3, time.Minute)
	ctx := context.Background()

	first, err := b.BuildWorldState(ctx, dataDay(390))
	require.NoError(t, err)

	// Provider is down now; the breaker serves the stale snapshot.
	degraded, err := b.BuildWorldState(ctx, dataDay(399))
	require.NoError(t, err)
	require.Equal(t, first.AsOf, degraded.AsOf)

	// Enough failures trip the breaker; calls keep degrading, not erroring.
	for i := 0; i < 5; i++ {
		ws, err := b.BuildWorldState(ctx, dataDay(399))
		require.NoError(t, err)
		require.Equal(t, first.AsOf, ws.AsOf)
	}
	require.LessOrEqual(t, inner.calls, 5, "breaker should stop hammering the failed provider")
}

func TestBreakerSource_NoLastKnownSurfacesError(t *testing.T) {
	b := NewBreakerSource(failingSource{err: errors.New("down")}, 3, time.Minute)
	_, err := b.BuildWorldState(context.Background(), dataDay(10))
	require.Error(t, err)
}

func TestWorldClassifier_AllScopes(t *testing.T) {
	src, sc := worldFixture()
	world := NewSeriesWorldSource(src, sc, 252)
	c := NewWorldClassifier(world, guard.NewClassifier(config.Default().Guard))

	raws, err := c.Classify(context.Background(), dataDay(399))
	require.NoError(t, err)
	require.Len(t, raws, 3)

	byScope := map[regime.Scope]regime.RawClassification{}
	for _, r := range raws {
		require.True(t, regime.ValidLabel(r.Scope, r.Value), "scope %s label %s", r.Scope, r.Value)
		require.NotEmpty(t, r.InputHash)
		byScope[r.Scope] = r
	}
	require.Len(t, byScope, 3)
	// Calm fixture: no guard escalation.
	require.Equal(t, "NONE", byScope[regime.ScopeGuard].Value)
}

func TestWorldClassifier_DeterministicHash(t *testing.T) {
	src, sc := worldFixture()
	world := NewSeriesWorldSource(src, sc, 252)
	c := NewWorldClassifier(world, guard.NewClassifier(config.Default().Guard))
	ctx := context.Background()

	a, err := c.Classify(ctx, dataDay(399))
	require.NoError(t, err)
	b, err := c.Classify(ctx, dataDay(399))
	require.NoError(t, err)
	require.Equal(t, a[0].InputHash, b[0].InputHash)
}

func TestMacroAndCrossAssetLabels(t *testing.T) {
	require.Equal(t, "STRESS", macroLabel(1.2))
	require.Equal(t, "TIGHTENING", macroLabel(0.5))
	require.Equal(t, "NEUTRAL", macroLabel(0.0))
	require.Equal(t, "EASING", macroLabel(-0.5))

	require.Equal(t, "RISK_ON", crossAssetLabel(0.5))
	require.Equal(t, "NEUTRAL", crossAssetLabel(0.1))
	require.Equal(t, "RISK_OFF", crossAssetLabel(-0.5))
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	now := dataDay(0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	buf, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), buf)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, "test")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "score")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "score", []byte(`{"v":1}`), time.Minute))
	buf, ok, err := c.Get(ctx, "score")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"v":1}`), buf)

	// TTL expiry through the backend clock.
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "score")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadThrough(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	}

	buf, hit, err := ReadThrough(ctx, c, "k", time.Minute, compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []byte("fresh"), buf)

	buf, hit, err = ReadThrough(ctx, c, "k", time.Minute, compute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("fresh"), buf)
	require.Equal(t, 1, calls)
}
