package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fractal-platform/macrobrain/internal/alerts"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	"github.com/fractal-platform/macrobrain/internal/persistence/memory"
)

type scriptedEngine struct {
	version string
	eval    Evaluation
	err     error
}

func (e *scriptedEngine) Version() string { return e.version }

func (e *scriptedEngine) Evaluate(context.Context, Inputs) (Evaluation, error) {
	if e.err != nil {
		return Evaluation{}, e.err
	}
	ev := e.eval
	ev.Version = e.version
	return ev, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (n *captureNotifier) Dispatch(_ context.Context, evt alerts.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *captureNotifier) bySeverity(sev string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Severity == sev {
			c++
		}
	}
	return c
}

func horizonOut(ret, conf float64) map[string]HorizonOutput {
	return map[string]HorizonOutput{
		"30D": {ExpectedReturn: ret, Confidence: conf},
		"90D": {ExpectedReturn: ret / 2, Confidence: conf},
	}
}

func newTestAuditor(base, up *scriptedEngine) (*Auditor, *memory.Repos, *captureNotifier) {
	repos := memory.NewRepos()
	notifier := &captureNotifier{}
	aud := NewAuditor(config.Default().Shadow, base, up, repos.Shadow, repos.Gov, notifier)
	return aud, repos, notifier
}

func TestObserve_AppendsComparisonRecord(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline, eval: Evaluation{
		RegimeLabel: "NEUTRAL", WeightsVersionID: "baseline", Horizons: horizonOut(-0.2, 0.3),
	}}
	up := &scriptedEngine{version: VersionCalibrated, eval: Evaluation{
		RegimeLabel: "NEUTRAL", WeightsVersionID: "w-123", Horizons: horizonOut(0.4, 0.5),
	}}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	asOf := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	eval, err := aud.Observe(ctx, Inputs{Asset: "SPX", AsOf: asOf, RegimeLabel: "NEUTRAL"})
	require.NoError(t, err)
	require.Equal(t, VersionCalibrated, eval.Version)

	recs, err := repos.Shadow.Recent(ctx, "SPX", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	require.Equal(t, VersionCalibrated, rec.ActiveVersion)
	require.Equal(t, VersionBaseline, rec.ShadowVersion)
	require.Equal(t, "w-123", rec.WeightsVersionID)

	hc := rec.PerHorizon["30D"]
	require.True(t, hc.SignMismatch)
	require.InDelta(t, -0.6, hc.ReturnDelta, 1e-9)
	require.InDelta(t, -0.2, hc.ConfidenceDelta, 1e-9)
}

func TestObserve_ShadowFailureDegradesToActiveOnly(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline, err: context.DeadlineExceeded}
	up := &scriptedEngine{version: VersionCalibrated, eval: Evaluation{Horizons: horizonOut(0.1, 0.2)}}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	eval, err := aud.Observe(ctx, Inputs{Asset: "SPX", AsOf: time.Now()})
	require.NoError(t, err)
	require.Equal(t, VersionCalibrated, eval.Version)

	recs, err := repos.Shadow.Recent(ctx, "SPX", 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// seedDivergence fills the audit log with records that trip the
// sign-instability rule on every check.
func seedDivergence(t *testing.T, repos *memory.Repos, asset string, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := repos.Shadow.Append(ctx, persistence.ShadowComparisonRecord{
			Timestamp:     base.AddDate(0, 0, i),
			Asset:         asset,
			ActiveVersion: VersionCalibrated,
			ShadowVersion: VersionBaseline,
			RegimeLabel:   "NEUTRAL",
			PerHorizon: map[string]persistence.HorizonComparison{
				"30D": {SignMismatch: true, ReturnDelta: 0.5, ConfidenceDelta: 0.2},
			},
		})
		require.NoError(t, err)
	}
}

func TestCheck_StaleComparisonsAgeOut(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 10)

	// One clean comparison far past the age window. Only it survives the
	// age bound, so the stale mismatches no longer trip the ratio rule.
	gap := 9 + config.Default().Shadow.WindowDays + 10
	require.NoError(t, repos.Shadow.Append(ctx, persistence.ShadowComparisonRecord{
		Timestamp:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, gap),
		Asset:         "SPX",
		ActiveVersion: VersionCalibrated,
		ShadowVersion: VersionBaseline,
		RegimeLabel:   "NEUTRAL",
		PerHorizon: map[string]persistence.HorizonComparison{
			"30D": {SignMismatch: false, ReturnDelta: 0.01, ConfidenceDelta: 0.01},
		},
	}))

	batch, err := aud.Check(ctx, "SPX")
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestCheck_AutoDowngradeAfterConsecutiveAlerts(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, notifier := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 10)

	threshold := config.Default().Shadow.DowngradeThreshold
	for i := 0; i < threshold; i++ {
		batch, err := aud.Check(ctx, "SPX")
		require.NoError(t, err)
		require.NotEmpty(t, batch)
	}

	st, err := repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.True(t, st.Downgraded)
	require.Equal(t, VersionBaseline, st.ActiveVersion)
	require.Equal(t, VersionCalibrated, st.ShadowVersion)

	events, err := repos.Gov.RecentEvents(ctx, "SPX", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, persistence.EventAutoDowngrade, events[0].Type)
	require.Equal(t, VersionCalibrated, events[0].FromVersion)
	require.Equal(t, VersionBaseline, events[0].ToVersion)

	require.Equal(t, 1, notifier.bySeverity(alerts.SeverityCritical))
}

// A downgraded asset stays downgraded: more alert batches never emit a
// second downgrade event.
func TestCheck_DowngradeIsIdempotent(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, notifier := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 10)
	for i := 0; i < 7; i++ {
		_, err := aud.Check(ctx, "SPX")
		require.NoError(t, err)
	}

	events, err := repos.Gov.RecentEvents(ctx, "SPX", 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 1, notifier.bySeverity(alerts.SeverityCritical))

	st, err := repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.Equal(t, VersionBaseline, st.ActiveVersion)
}

func TestCheck_CounterResetsOnCleanPass(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 10)
	for i := 0; i < 2; i++ {
		batch, err := aud.Check(ctx, "SPX")
		require.NoError(t, err)
		require.NotEmpty(t, batch)
	}
	st, err := repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.Equal(t, 2, st.ConsecutiveAlerts)

	// Flood the window with clean records so no rule fires.
	base2 := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, repos.Shadow.Append(ctx, persistence.ShadowComparisonRecord{
			Timestamp:     base2.AddDate(0, 0, i),
			Asset:         "SPX",
			ActiveVersion: VersionCalibrated,
			ShadowVersion: VersionBaseline,
			RegimeLabel:   "NEUTRAL",
			PerHorizon: map[string]persistence.HorizonComparison{
				"30D": {SignMismatch: false, ReturnDelta: 0.01, ConfidenceDelta: 0.2},
			},
		}))
	}

	batch, err := aud.Check(ctx, "SPX")
	require.NoError(t, err)
	require.Empty(t, batch)

	st, err = repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.Equal(t, 0, st.ConsecutiveAlerts)
	require.False(t, st.Downgraded)
}

func TestPromote_RestoresUpgradedRouting(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 10)
	for i := 0; i < 3; i++ {
		_, err := aud.Check(ctx, "SPX")
		require.NoError(t, err)
	}
	st, err := repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.True(t, st.Downgraded)

	require.NoError(t, aud.Promote(ctx, "SPX"))

	st, err = repos.Gov.GetState(ctx, "SPX")
	require.NoError(t, err)
	require.False(t, st.Downgraded)
	require.Equal(t, VersionCalibrated, st.ActiveVersion)
	require.Equal(t, 0, st.ConsecutiveAlerts)

	events, err := repos.Gov.RecentEvents(ctx, "SPX", 10)
	require.NoError(t, err)
	require.Equal(t, persistence.EventPromotion, events[0].Type)
}

func TestHealth_Snapshot(t *testing.T) {
	base := &scriptedEngine{version: VersionBaseline}
	up := &scriptedEngine{version: VersionCalibrated}
	aud, repos, _ := newTestAuditor(base, up)
	ctx := context.Background()

	seedDivergence(t, repos, "SPX", 6)

	h, err := aud.Health(ctx, "SPX")
	require.NoError(t, err)
	require.Equal(t, "SPX", h.Asset)
	require.Equal(t, VersionCalibrated, h.ActiveVersion)
	require.False(t, h.Downgraded)
	require.Equal(t, 6, h.RecentComparisons)
	require.NotEmpty(t, h.ActiveAlerts)
	require.Equal(t, RuleSignInstability, h.ActiveAlerts[0].Rule)
}
