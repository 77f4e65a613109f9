package regime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	joblog "github.com/fractal-platform/macrobrain/internal/log"
)

// StateAt derives a scope's state as of an arbitrary historical date purely
// from the history log: the last entry at or before asOf anchors the label,
// the contiguous run of that label anchors since. Read-only, so historical
// queries never disturb the live state.
func (e *Engine) StateAt(ctx context.Context, scope Scope, asOf time.Time) (*persistence.RegimeMemoryState, error) {
	asOf = asof.Day(asOf)
	// A generous lookback bounds the scan; runs longer than this report
	// tenure capped at the window, which the stability score saturates well
	// before.
	lookback := persistence.TimeRange{From: asOf.AddDate(-3, 0, 0), To: asOf}
	entries, err := e.history.ListRange(ctx, string(scope), lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	last := entries[len(entries)-1]
	since := last.Date
	for i := len(entries) - 2; i >= 0; i-- {
		if entries[i].Value != last.Value {
			break
		}
		since = entries[i].Date
	}

	flips := 0
	windowStart := asOf.AddDate(0, 0, -e.cfg.FlipWindowDays)
	var prev *persistence.RegimeHistoryEntry
	for i := range entries {
		if entries[i].Date.Before(windowStart) {
			continue
		}
		if prev != nil && entries[i].Value != prev.Value {
			flips++
		}
		prev = &entries[i]
	}

	days := asof.DaysBetween(since, asOf)
	return &persistence.RegimeMemoryState{
		Scope:       string(scope),
		Current:     last.Value,
		Since:       since,
		DaysInState: days,
		Flips30d:    flips,
		Stability:   e.StabilityScore(days, flips),
		UpdatedAt:   asOf,
	}, nil
}

// Recompute clears history in [start, end] for every scope and rebuilds it
// by replaying the classifier date by date. Destructive within the range;
// the rebuild is a full replay, not an incremental patch. The context is
// checked per date so a cancelled job stops cleanly between days, and the
// idempotent upserts make a rerun resume safely over the same range.
func (e *Engine) Recompute(ctx context.Context, classifier Classifier, start, end time.Time, stepDays int) (int, error) {
	if stepDays < 1 {
		stepDays = 1
	}
	start, end = asof.Day(start), asof.Day(end)
	if end.Before(start) {
		return 0, fmt.Errorf("recompute range end %s before start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	tr := persistence.TimeRange{From: start, To: end}
	for _, scope := range Scopes() {
		if err := e.history.DeleteRange(ctx, string(scope), tr); err != nil {
			return 0, fmt.Errorf("failed to clear history for %s: %w", scope, err)
		}
	}

	total := asof.DaysBetween(start, end)/stepDays + 1
	progress := joblog.NewProgress("regime-recompute", total)
	replayed := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, stepDays) {
		if err := ctx.Err(); err != nil {
			log.Warn().Time("stoppedAt", d).Int("replayed", replayed).
				Msg("recompute cancelled; partial progress is resumable by date")
			return replayed, err
		}

		raws, err := classifier.Classify(ctx, d)
		if err != nil {
			// A single bad date degrades, the replay continues.
			log.Warn().Err(err).Time("date", d).Msg("classification failed during recompute")
			continue
		}
		for _, raw := range raws {
			if _, err := e.Apply(ctx, raw, d); err != nil {
				return replayed, fmt.Errorf("replay failed at %s/%s: %w", raw.Scope, d.Format("2006-01-02"), err)
			}
		}
		replayed++
		progress.Step(d.Format("2006-01-02"))
	}
	progress.Done()
	return replayed, nil
}

// BuildTimeline samples the derived state of every scope across a window and
// aggregates flip counts, average stability and dominant labels.
func (e *Engine) BuildTimeline(ctx context.Context, start, end time.Time, stepDays int) (*Timeline, error) {
	if stepDays < 1 {
		stepDays = 1
	}
	start, end = asof.Day(start), asof.Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("timeline range end before start")
	}

	tl := &Timeline{Start: start, End: end, StepDays: stepDays}
	sums := map[Scope]float64{}
	counts := map[Scope]map[string]int{}
	lastLabel := map[Scope]string{}
	flips := map[Scope]int{}

	for d := start; !d.After(end); d = d.AddDate(0, 0, stepDays) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pt := TimelinePoint{
			AsOf:      d,
			Labels:    make(map[Scope]string, 3),
			Stability: make(map[Scope]float64, 3),
		}
		for _, scope := range Scopes() {
			st, err := e.StateAt(ctx, scope, d)
			if err != nil {
				return nil, err
			}
			if st == nil {
				continue
			}
			pt.Labels[scope] = st.Current
			pt.Stability[scope] = st.Stability
			sums[scope] += st.Stability
			if counts[scope] == nil {
				counts[scope] = make(map[string]int)
			}
			counts[scope][st.Current]++
			if prev, ok := lastLabel[scope]; ok && prev != st.Current {
				flips[scope]++
			}
			lastLabel[scope] = st.Current
		}
		tl.Points = append(tl.Points, pt)
	}

	n := float64(len(tl.Points))
	if n > 0 {
		tl.Summary = TimelineSummary{
			MacroFlips:             flips[ScopeMacro],
			GuardFlips:             flips[ScopeGuard],
			CrossAssetFlips:        flips[ScopeCrossAsset],
			AvgMacroStability:      round3(sums[ScopeMacro] / n),
			AvgGuardStability:      round3(sums[ScopeGuard] / n),
			AvgCrossAssetStability: round3(sums[ScopeCrossAsset] / n),
			DominantMacro:          dominant(counts[ScopeMacro]),
			DominantGuard:          dominant(counts[ScopeGuard]),
			DominantCrossAsset:     dominant(counts[ScopeCrossAsset]),
		}
	}
	return tl, nil
}

func dominant(counts map[string]int) string {
	best, bestN := "", -1
	for label, n := range counts {
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	return best
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
