package regime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flipAtClassifier flips the macro label at a fixed date and keeps the other
// scopes constant.
type flipAtClassifier struct {
	flipAt time.Time
}

func (c flipAtClassifier) Classify(ctx context.Context, asOf time.Time) ([]RawClassification, error) {
	macro := MacroEasing
	if !asOf.Before(c.flipAt) {
		macro = MacroStress
	}
	return []RawClassification{
		{Scope: ScopeMacro, Value: macro},
		{Scope: ScopeGuard, Value: "NONE"},
		{Scope: ScopeCrossAsset, Value: CrossAssetRiskOn},
	}, nil
}

func TestStateAt_DerivedFromHistoryOnly(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	start := day(2025, 1, 1)
	cls := flipAtClassifier{flipAt: day(2025, 2, 1)}
	for i := 0; i < 60; i++ {
		raws, _ := cls.Classify(ctx, start.AddDate(0, 0, i))
		for _, raw := range raws {
			_, err := e.Apply(ctx, raw, start.AddDate(0, 0, i))
			require.NoError(t, err)
		}
	}

	// Before the flip the historical view reports EASING with the tenure it
	// had then, regardless of later data.
	st, err := e.StateAt(ctx, ScopeMacro, day(2025, 1, 20))
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, MacroEasing, st.Current)
	assert.Equal(t, 19, st.DaysInState)
	assert.Equal(t, 0, st.Flips30d)

	// On the flip date the tenure restarts.
	st, err = e.StateAt(ctx, ScopeMacro, day(2025, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, MacroStress, st.Current)
	assert.Equal(t, 0, st.DaysInState)
	assert.Equal(t, 1, st.Flips30d)
}

func TestStateAt_NoLookahead(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := e.Apply(ctx, macroRaw(MacroNeutral), day(2025, 3, 1).AddDate(0, 0, i))
		require.NoError(t, err)
	}

	before, err := e.StateAt(ctx, ScopeMacro, day(2025, 3, 10))
	require.NoError(t, err)

	// Appending data after the query date must not change the answer.
	for i := 20; i < 40; i++ {
		_, err := e.Apply(ctx, macroRaw(MacroStress), day(2025, 3, 1).AddDate(0, 0, i))
		require.NoError(t, err)
	}
	after, err := e.StateAt(ctx, ScopeMacro, day(2025, 3, 10))
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestStateAt_NilBeforeAnyHistory(t *testing.T) {
	e, _ := newTestEngine()
	st, err := e.StateAt(context.Background(), ScopeMacro, day(2025, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestRecompute_FullReplayRebuildsHistory(t *testing.T) {
	e, repos := newTestEngine()
	ctx := context.Background()

	// Seed garbage that the recompute must clear.
	_, err := e.Apply(ctx, macroRaw(MacroTightening), day(2025, 1, 5))
	require.NoError(t, err)

	n, err := e.Recompute(ctx, flipAtClassifier{flipAt: day(2025, 1, 15)}, day(2025, 1, 1), day(2025, 1, 31), 1)
	require.NoError(t, err)
	assert.Equal(t, 31, n)

	entries, err := repos.History.ListRange(ctx, string(ScopeMacro),
		persistenceRange(day(2025, 1, 1), day(2025, 1, 31)))
	require.NoError(t, err)
	require.Len(t, entries, 31)
	assert.Equal(t, MacroEasing, entries[0].Value)
	assert.Equal(t, MacroStress, entries[len(entries)-1].Value)
	for _, e := range entries {
		assert.NotEqual(t, MacroTightening, e.Value, "seeded garbage must be gone")
	}
}

func TestRecompute_CancellationStopsBetweenDates(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := e.Recompute(ctx, flipAtClassifier{flipAt: day(2025, 1, 15)}, day(2025, 1, 1), day(2025, 3, 1), 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}

func TestBuildTimeline_SummaryCountsFlips(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.Recompute(ctx, flipAtClassifier{flipAt: day(2025, 2, 1)}, day(2025, 1, 1), day(2025, 2, 28), 1)
	require.NoError(t, err)

	tl, err := e.BuildTimeline(ctx, day(2025, 1, 1), day(2025, 2, 28), 7)
	require.NoError(t, err)
	require.NotEmpty(t, tl.Points)

	assert.Equal(t, 1, tl.Summary.MacroFlips)
	assert.Equal(t, 0, tl.Summary.GuardFlips)
	assert.Equal(t, 0, tl.Summary.CrossAssetFlips)
	assert.Equal(t, "NONE", tl.Summary.DominantGuard)
	assert.Greater(t, tl.Summary.AvgMacroStability, 0.0)
	assert.LessOrEqual(t, tl.Summary.AvgMacroStability, 1.0)

	first := tl.Points[0]
	assert.Equal(t, MacroEasing, first.Labels[ScopeMacro])
	last := tl.Points[len(tl.Points)-1]
	assert.Equal(t, MacroStress, last.Labels[ScopeMacro])
}
