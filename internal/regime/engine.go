package regime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// Classifier produces the raw per-scope classifications for an evaluation
// date. The live implementation fans out to the world-state source; the
// simulation harness supplies a replay classifier.
type Classifier interface {
	Classify(ctx context.Context, asOf time.Time) ([]RawClassification, error)
}

// Engine applies the hysteresis transition function and keeps the persisted
// memory state and history log consistent with each other.
type Engine struct {
	cfg     config.RegimeConfig
	memory  persistence.RegimeMemoryRepo
	history persistence.RegimeHistoryRepo
}

// NewEngine creates a regime engine over the given repositories.
func NewEngine(cfg config.RegimeConfig, memory persistence.RegimeMemoryRepo, history persistence.RegimeHistoryRepo) *Engine {
	return &Engine{cfg: cfg, memory: memory, history: history}
}

// Apply runs the transition function for one scope and returns the updated
// memory state. The history upsert is idempotent by (scope, date), so
// replaying the same date converges.
func (e *Engine) Apply(ctx context.Context, raw RawClassification, asOf time.Time) (*persistence.RegimeMemoryState, error) {
	if !raw.Scope.Valid() {
		return nil, fmt.Errorf("unknown scope %q", raw.Scope)
	}
	if !ValidLabel(raw.Scope, raw.Value) {
		return nil, fmt.Errorf("invalid label %q for scope %q", raw.Value, raw.Scope)
	}
	asOf = asof.Day(asOf)

	state, err := e.memory.Get(ctx, string(raw.Scope))
	if err != nil {
		return nil, fmt.Errorf("failed to load regime memory: %w", err)
	}
	if state == nil {
		state = &persistence.RegimeMemoryState{
			Scope:   string(raw.Scope),
			Current: raw.Value,
			Since:   asOf,
		}
	}

	switch {
	case raw.Value != state.Current:
		// Label change: archive the outgoing tenure and reset.
		prev := persistence.PreviousState{
			Value: state.Current,
			Since: state.Since,
			Until: asOf,
			Days:  maxInt(0, asof.DaysBetween(state.Since, asOf)),
		}
		state.PreviousStates = append([]persistence.PreviousState{prev}, state.PreviousStates...)
		if cap := e.cfg.PreviousStatesCap; len(state.PreviousStates) > cap {
			state.PreviousStates = state.PreviousStates[:cap]
		}
		state.Current = raw.Value
		state.Since = asOf
		state.DaysInState = 0

	case asOf.Before(state.Since):
		// Backfill earlier than the recorded start: move since backward
		// rather than reporting negative tenure.
		state.Since = asOf
		state.DaysInState = 0

	default:
		state.DaysInState = asof.DaysBetween(state.Since, asOf)
	}

	entry := persistence.RegimeHistoryEntry{
		Scope:     string(raw.Scope),
		Date:      asOf,
		Value:     raw.Value,
		InputHash: raw.InputHash,
	}
	if err := e.history.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record regime history: %w", err)
	}

	flips, err := e.FlipsInWindow(ctx, raw.Scope, asOf, e.cfg.FlipWindowDays)
	if err != nil {
		return nil, fmt.Errorf("failed to count flips: %w", err)
	}
	state.Flips30d = flips
	state.Stability = e.StabilityScore(state.DaysInState, flips)
	state.UpdatedAt = asOf

	if err := e.memory.Upsert(ctx, *state); err != nil {
		return nil, fmt.Errorf("failed to persist regime memory: %w", err)
	}
	return state, nil
}

// FlipsInWindow counts label changes between consecutive history entries in
// the trailing windowDays ending at asOf. Derived purely from the log, so
// any lookback window can be recomputed at any time.
func (e *Engine) FlipsInWindow(ctx context.Context, scope Scope, asOf time.Time, windowDays int) (int, error) {
	tr := persistence.TimeRange{
		From: asof.Day(asOf).AddDate(0, 0, -windowDays),
		To:   asof.Day(asOf),
	}
	entries, err := e.history.ListRange(ctx, string(scope), tr)
	if err != nil {
		return 0, err
	}
	flips := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].Value != entries[i-1].Value {
			flips++
		}
	}
	return flips, nil
}

// StabilityScore maps dwell time and flip count to [0, 1]: longer tenure
// raises it, recent flips lower it. Rounded to 3 decimals to keep packs
// byte-identical across replays.
func (e *Engine) StabilityScore(daysInState, flips int) float64 {
	duration := math.Min(float64(daysInState)/float64(e.cfg.StabilityDaysScale), 1)
	flipScore := math.Max(0, 1-float64(flips)/float64(e.cfg.StabilityFlipsScale))
	s := e.cfg.StabilityDaysWeight*duration + e.cfg.StabilityFlipWeight*flipScore
	return math.Round(s*1000) / 1000
}

// EvaluateAll classifies every scope for asOf and applies the transition to
// each. A classifier failure degrades to the last persisted state per scope
// instead of failing the evaluation: stale-but-available beats unavailable
// for a risk signal.
func (e *Engine) EvaluateAll(ctx context.Context, classifier Classifier, asOf time.Time) ([]persistence.RegimeMemoryState, error) {
	raws, err := classifier.Classify(ctx, asOf)
	if err != nil {
		log.Warn().Err(err).Time("asOf", asOf).
			Msg("classification failed, returning last persisted regime state")
		return e.memory.GetAll(ctx)
	}

	// Scopes are independent; apply them concurrently. Each failure degrades
	// alone without aborting the siblings.
	type result struct {
		state *persistence.RegimeMemoryState
		err   error
		scope Scope
	}
	results := make([]result, len(raws))
	var wg sync.WaitGroup
	for i, raw := range raws {
		wg.Add(1)
		go func(i int, raw RawClassification) {
			defer wg.Done()
			st, err := e.Apply(ctx, raw, asOf)
			results[i] = result{state: st, err: err, scope: raw.Scope}
		}(i, raw)
	}
	wg.Wait()

	var out []persistence.RegimeMemoryState
	for _, r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("scope", string(r.scope)).
				Msg("scope evaluation degraded to last persisted state")
			if prev, gerr := e.memory.Get(ctx, string(r.scope)); gerr == nil && prev != nil {
				out = append(out, *prev)
			}
			continue
		}
		out = append(out, *r.state)
	}
	return out, nil
}

// StateFor returns the persisted state for one scope, (nil, nil) when the
// scope has never been evaluated.
func (e *Engine) StateFor(ctx context.Context, scope Scope) (*persistence.RegimeMemoryState, error) {
	return e.memory.Get(ctx, string(scope))
}

// History returns the classification log for a scope in a window.
func (e *Engine) History(ctx context.Context, scope Scope, from, to time.Time) ([]persistence.RegimeHistoryEntry, error) {
	return e.history.ListRange(ctx, string(scope), persistence.TimeRange{From: from, To: to})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
