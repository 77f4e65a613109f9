package calib

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/persistence/memory"
)

var testBase = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

func dayN(n int) time.Time { return testBase.AddDate(0, 0, n) }

type staticSource struct {
	series map[string][]asof.Point
}

func (s staticSource) GetSeriesPoints(_ context.Context, id string) ([]asof.Point, error) {
	return s.series[id], nil
}

type labelFunc func(time.Time) string

func (f labelFunc) LabelAt(_ context.Context, d time.Time) (string, error) {
	return f(d), nil
}

// blockSign flips every blockDays, offset by phase.
func blockSign(day, blockDays, phase int) float64 {
	if ((day+phase)/blockDays)%2 == 0 {
		return 1
	}
	return -1
}

func testSeriesConfig() config.SeriesConfig {
	ids := []string{"SIG_A", "SIG_B", "SIG_C", "SIG_D"}
	sc := config.SeriesConfig{
		Lags: []asof.SeriesLag{{SeriesID: "SPX", Cadence: asof.CadenceDaily, LagDays: 0}},
	}
	for _, id := range ids {
		sc.Lags = append(sc.Lags, asof.SeriesLag{SeriesID: id, Cadence: asof.CadenceDaily, LagDays: 0})
		sc.Candidates = append(sc.Candidates, config.CandidateSeries{SeriesID: id, ExpectedSign: 1})
	}
	return sc
}

func testCalibConfig() config.CalibrationConfig {
	c := config.Default().Calibration
	c.TrainingWindowDays = 600
	c.SampleStepDays = 5
	c.CandidateLags = []int{0, 5, 21}
	c.HorizonsDays = []int{30, 90}
	return c
}

// syntheticSource builds four block-wave signals plus a price series whose
// forward drift follows their average, so calibration has real edge to find.
func syntheticSource(days int) staticSource {
	phases := map[string]int{"SIG_A": 0, "SIG_B": 7, "SIG_C": 13, "SIG_D": 23}
	series := make(map[string][]asof.Point)
	for id, phase := range phases {
		pts := make([]asof.Point, days)
		for t := 0; t < days; t++ {
			pts[t] = asof.Point{
				Date:  dayN(t),
				Value: blockSign(t, 60, phase) + 0.05*math.Sin(float64(t)),
			}
		}
		series[id] = pts
	}

	price := make([]asof.Point, days)
	p := 100.0
	for t := 0; t < days; t++ {
		price[t] = asof.Point{Date: dayN(t), Value: p}
		avg := 0.0
		for _, phase := range phases {
			avg += blockSign(t, 60, phase)
		}
		p *= 1 + 0.003*avg/4
	}
	series["SPX"] = price
	return staticSource{series: series}
}

func newTestEngine(src SeriesSource, regimes RegimeLabeler) (*Engine, *memory.Repos) {
	repos := memory.NewRepos()
	eng := NewEngine(testCalibConfig(), testSeriesConfig(), src, regimes, repos.Versions)
	return eng, repos
}

func TestRun_WeightsNormalized(t *testing.T) {
	eng, _ := newTestEngine(syntheticSource(900), nil)

	set, err := eng.Run(context.Background(), "SPX", dayN(899))
	require.NoError(t, err)
	require.Equal(t, persistence.VersionPromoted, set.Status)

	cfg := testCalibConfig()
	require.NotEmpty(t, set.Buckets)
	for key, comps := range set.Buckets {
		sum := 0.0
		for _, c := range comps {
			sum += c.Weight
			require.GreaterOrEqualf(t, c.Weight, cfg.MinWeight, "bucket %s series %s", key, c.SeriesID)
			require.LessOrEqualf(t, c.Weight, cfg.MaxWeight+1e-9, "bucket %s series %s", key, c.SeriesID)
		}
		require.InDeltaf(t, 1.0, sum, cfg.WeightSumTolerance, "bucket %s", key)
	}

	require.Equal(t, 1.0, set.Metrics[MetricSumWeightsOk])
	require.Equal(t, 1.0, set.Metrics[MetricMaxWeightOk])
	require.Equal(t, 1.0, set.Metrics[MetricCoverageOk])
}

// Data published after the calibration date must not change the result.
func TestRun_NoLookahead(t *testing.T) {
	asOf := dayN(899)

	engA, _ := newTestEngine(syntheticSource(900), nil)
	setA, err := engA.Run(context.Background(), "SPX", asOf)
	require.NoError(t, err)

	// Extend every series 200 days past asOf with hostile values.
	extended := syntheticSource(900)
	for id, pts := range extended.series {
		for t := 900; t < 1100; t++ {
			pts = append(pts, asof.Point{Date: dayN(t), Value: -1e6})
		}
		extended.series[id] = pts
	}
	engB, _ := newTestEngine(extended, nil)
	setB, err := engB.Run(context.Background(), "SPX", asOf)
	require.NoError(t, err)

	require.Equal(t, setA.Buckets, setB.Buckets)
	require.Equal(t, setA.Diagnostics.SampleCounts, setB.Diagnostics.SampleCounts)
	require.Equal(t, setA.Diagnostics.Coverage, setB.Diagnostics.Coverage)
	require.Equal(t, setA.Status, setB.Status)
}

func TestRun_ThinRegimeBucketFallsBack(t *testing.T) {
	// STRESS only appears in the last 100 days of the window, far fewer than
	// the 30 samples a dedicated bucket needs.
	labeler := labelFunc(func(d time.Time) string {
		if asof.DaysBetween(d, dayN(899)) <= 100 {
			return "STRESS"
		}
		return "EASING"
	})
	eng, _ := newTestEngine(syntheticSource(900), labeler)

	set, err := eng.Run(context.Background(), "SPX", dayN(899))
	require.NoError(t, err)

	stressKey := persistence.BucketKey(30, "STRESS")
	allKey := persistence.BucketKey(30, "ALL")
	require.Equal(t, allKey, set.Diagnostics.Fallbacks[stressKey])
	require.Equal(t, set.Buckets[allKey], set.Buckets[stressKey])

	// The well-populated EASING bucket stands on its own.
	easingKey := persistence.BucketKey(30, "EASING")
	require.NotContains(t, set.Diagnostics.Fallbacks, easingKey)
	require.GreaterOrEqual(t, set.Diagnostics.SampleCounts[easingKey], testCalibConfig().MinSamplesPerRegime)
}

func TestRun_DegenerateDataRejectedButPersisted(t *testing.T) {
	// Constant signals have zero variance: no z-scores, no coverage, no edge.
	src := syntheticSource(900)
	for _, id := range []string{"SIG_A", "SIG_B", "SIG_C", "SIG_D"} {
		pts := make([]asof.Point, 900)
		for t := range pts {
			pts[t] = asof.Point{Date: dayN(t), Value: 42}
		}
		src.series[id] = pts
	}
	eng, repos := newTestEngine(src, nil)

	set, err := eng.Run(context.Background(), "SPX", dayN(899))
	require.NoError(t, err)
	require.Equal(t, persistence.VersionRejected, set.Status)
	require.Equal(t, 0.0, set.Metrics[MetricCoverageOk])
	require.Equal(t, "baseline", set.Diagnostics.Fallbacks[persistence.BucketKey(30, "ALL")])

	// Rejected versions are still on record.
	stored, err := repos.Versions.Get(context.Background(), set.VersionID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, persistence.VersionRejected, stored.Status)

	// And never become the effective weights.
	latest, err := repos.Versions.LatestPromoted(context.Background(), "SPX")
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestRun_SmoothsTowardPreviousVersion(t *testing.T) {
	src := syntheticSource(900)
	eng, repos := newTestEngine(src, nil)
	ctx := context.Background()

	first, err := eng.Run(ctx, "SPX", dayN(800))
	require.NoError(t, err)
	require.Equal(t, persistence.VersionPromoted, first.Status)

	second, err := eng.Run(ctx, "SPX", dayN(899))
	require.NoError(t, err)

	// Drift is recorded for every bucket the versions share.
	for key := range first.Buckets {
		_, ok := second.Diagnostics.Drift[key]
		require.Truef(t, ok, "missing drift for %s", key)
	}

	latest, err := repos.Versions.LatestPromoted(ctx, "SPX")
	require.NoError(t, err)
	require.Equal(t, second.VersionID, latest.VersionID)
}

func TestEffectiveWeights(t *testing.T) {
	eng, _ := newTestEngine(syntheticSource(900), nil)
	ctx := context.Background()

	// Nothing promoted yet: baseline, flagged for recalibration.
	comps, source, needsRecal, err := eng.EffectiveWeights(ctx, "SPX", 30, "EASING")
	require.NoError(t, err)
	require.Equal(t, SourceDefault, source)
	require.True(t, needsRecal)
	require.Len(t, comps, 4)

	set, err := eng.Run(ctx, "SPX", dayN(899))
	require.NoError(t, err)
	require.Equal(t, persistence.VersionPromoted, set.Status)

	// With no labeler the regime bucket is a fallback clone, so the answer
	// matches the unconditioned bucket.
	comps, source, needsRecal, err = eng.EffectiveWeights(ctx, "SPX", 30, "EASING")
	require.NoError(t, err)
	require.Equal(t, SourceCalibrated, source)
	require.False(t, needsRecal)
	require.Equal(t, set.Buckets[persistence.BucketKey(30, "ALL")], comps)

	// A stale promoted version asks for recalibration.
	staleEng, staleRepos := newTestEngine(syntheticSource(900), nil)
	stale := *set
	stale.VersionID = "stale-version"
	stale.CreatedAt = time.Now().UTC().Add(-45 * 24 * time.Hour)
	require.NoError(t, staleRepos.Versions.Upsert(ctx, stale))
	_, _, needsRecal, err = staleEng.EffectiveWeights(ctx, "SPX", 30, "")
	require.NoError(t, err)
	require.True(t, needsRecal)

	// The staleness budget is configurable: under a 60 day budget the same
	// 45 day old version is still considered fresh.
	relaxed := testCalibConfig()
	relaxed.RecalibrateAfterDays = 60
	relaxedEng := NewEngine(relaxed, testSeriesConfig(), syntheticSource(900), nil, staleRepos.Versions)
	_, _, needsRecal, err = relaxedEng.EffectiveWeights(ctx, "SPX", 30, "")
	require.NoError(t, err)
	require.False(t, needsRecal)
}

func TestClampRenormalize(t *testing.T) {
	got := clampRenormalize(map[string]float64{"a": 0.9, "b": 0.05, "c": 0.05}, 0.02, 0.35)
	require.InDelta(t, 0.35, got["a"], 1e-9)
	require.InDelta(t, 0.325, got["b"], 1e-9)
	require.InDelta(t, 0.325, got["c"], 1e-9)

	sum := 0.0
	for _, v := range got {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func TestClampRenormalizeConcentratedEdge(t *testing.T) {
	// Two components carry all the mass, four carry none. Every entry pins
	// at a bound on the first pass, so the residual has to be water-filled
	// into the floored components rather than left missing.
	got := clampRenormalize(map[string]float64{
		"a": 0.5, "b": 0.5, "c": 0, "d": 0, "e": 0, "f": 0,
	}, 0.02, 0.35)

	require.InDelta(t, 0.35, got["a"], 1e-9)
	require.InDelta(t, 0.35, got["b"], 1e-9)

	sum := 0.0
	for k, v := range got {
		require.GreaterOrEqualf(t, v, 0.02, "weight %s below floor", k)
		require.LessOrEqualf(t, v, 0.35+1e-9, "weight %s above cap", k)
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)

	// Single-winner vector: the cap pins one entry and the floor pins the
	// rest, leaving no free mass at all.
	got = clampRenormalize(map[string]float64{
		"a": 1.0, "b": 0, "c": 0, "d": 0,
	}, 0.02, 0.35)
	sum = 0.0
	for _, v := range got {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	require.InDelta(t, 0.35, got["a"], 1e-9)
}

func TestSmoothWeights(t *testing.T) {
	prev := map[string]float64{"a": 0.5, "b": 0.5}
	next := map[string]float64{"a": 1.0}
	got := smoothWeights(prev, next, 0.25)
	require.InDelta(t, 0.625, got["a"], 1e-9)
	require.InDelta(t, 0.375, got["b"], 1e-9)
}

func TestWeightDrift(t *testing.T) {
	a := map[string]float64{"x": 0.6, "y": 0.4}
	require.InDelta(t, 0.0, weightDrift(a, a), 1e-12)
	b := map[string]float64{"x": 0.4, "y": 0.6}
	require.InDelta(t, math.Sqrt(0.08), weightDrift(a, b), 1e-9)
}
