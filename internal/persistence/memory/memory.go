// Package memory provides in-process implementations of the persistence
// repositories. Used by unit tests and by the offline simulation harness,
// which must not write partial progress into the production store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// Repos bundles one in-memory implementation of every repository.
type Repos struct {
	Memory   *RegimeMemoryRepo
	History  *RegimeHistoryRepo
	Shadow   *ShadowAuditRepo
	Versions *WeightVersionRepo
	Gov      *GovernanceRepo
}

// NewRepos creates a fresh, empty repository set.
func NewRepos() *Repos {
	return &Repos{
		Memory:   &RegimeMemoryRepo{states: make(map[string]persistence.RegimeMemoryState)},
		History:  &RegimeHistoryRepo{entries: make(map[string]map[time.Time]persistence.RegimeHistoryEntry)},
		Shadow:   &ShadowAuditRepo{},
		Versions: &WeightVersionRepo{sets: make(map[string]persistence.CalibratedWeightSet)},
		Gov:      &GovernanceRepo{states: make(map[string]persistence.GovernanceState)},
	}
}

func dayKey(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RegimeMemoryRepo is a map-backed persistence.RegimeMemoryRepo.
type RegimeMemoryRepo struct {
	mu     sync.RWMutex
	states map[string]persistence.RegimeMemoryState
}

var _ persistence.RegimeMemoryRepo = (*RegimeMemoryRepo)(nil)

// Upsert applies last-writer-wins state for a scope.
func (r *RegimeMemoryRepo) Upsert(ctx context.Context, state persistence.RegimeMemoryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.PreviousStates = append([]persistence.PreviousState(nil), state.PreviousStates...)
	r.states[state.Scope] = state
	return ctx.Err()
}

// Get returns the state for a scope, (nil, nil) when absent.
func (r *RegimeMemoryRepo) Get(ctx context.Context, scope string) (*persistence.RegimeMemoryState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[scope]
	if !ok {
		return nil, nil
	}
	st.PreviousStates = append([]persistence.PreviousState(nil), st.PreviousStates...)
	return &st, ctx.Err()
}

// GetAll returns every scope's state, ordered by scope for stable packs.
func (r *RegimeMemoryRepo) GetAll(ctx context.Context) ([]persistence.RegimeMemoryState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persistence.RegimeMemoryState, 0, len(r.states))
	for _, st := range r.states {
		st.PreviousStates = append([]persistence.PreviousState(nil), st.PreviousStates...)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, ctx.Err()
}

// RegimeHistoryRepo is a map-backed persistence.RegimeHistoryRepo keyed by
// (scope, date).
type RegimeHistoryRepo struct {
	mu      sync.RWMutex
	entries map[string]map[time.Time]persistence.RegimeHistoryEntry
}

var _ persistence.RegimeHistoryRepo = (*RegimeHistoryRepo)(nil)

// Upsert records one day's classification idempotently.
func (r *RegimeHistoryRepo) Upsert(ctx context.Context, entry persistence.RegimeHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byDate, ok := r.entries[entry.Scope]
	if !ok {
		byDate = make(map[time.Time]persistence.RegimeHistoryEntry)
		r.entries[entry.Scope] = byDate
	}
	entry.Date = dayKey(entry.Date)
	byDate[entry.Date] = entry
	return ctx.Err()
}

// ListRange returns entries for a scope within the window, ascending.
func (r *RegimeHistoryRepo) ListRange(ctx context.Context, scope string, tr persistence.TimeRange) ([]persistence.RegimeHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []persistence.RegimeHistoryEntry
	from, to := dayKey(tr.From), dayKey(tr.To)
	for d, e := range r.entries[scope] {
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, ctx.Err()
}

// DeleteRange removes entries in the window, for administrative recompute.
func (r *RegimeHistoryRepo) DeleteRange(ctx context.Context, scope string, tr persistence.TimeRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, to := dayKey(tr.From), dayKey(tr.To)
	for d := range r.entries[scope] {
		if !d.Before(from) && !d.After(to) {
			delete(r.entries[scope], d)
		}
	}
	return ctx.Err()
}

// ShadowAuditRepo is a slice-backed persistence.ShadowAuditRepo.
type ShadowAuditRepo struct {
	mu   sync.RWMutex
	recs []persistence.ShadowComparisonRecord
}

var _ persistence.ShadowAuditRepo = (*ShadowAuditRepo)(nil)

// Append adds one comparison record.
func (r *ShadowAuditRepo) Append(ctx context.Context, rec persistence.ShadowComparisonRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return ctx.Err()
}

// Recent returns the newest records for an asset, newest first.
func (r *ShadowAuditRepo) Recent(ctx context.Context, asset string, limit int) ([]persistence.ShadowComparisonRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []persistence.ShadowComparisonRecord
	for i := len(r.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.recs[i].Asset == asset {
			out = append(out, r.recs[i])
		}
	}
	return out, ctx.Err()
}

// WeightVersionRepo is a map-backed persistence.WeightVersionRepo.
type WeightVersionRepo struct {
	mu   sync.RWMutex
	sets map[string]persistence.CalibratedWeightSet
}

var _ persistence.WeightVersionRepo = (*WeightVersionRepo)(nil)

// Upsert stores a weight version document.
func (r *WeightVersionRepo) Upsert(ctx context.Context, set persistence.CalibratedWeightSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[set.VersionID] = set
	return ctx.Err()
}

// Get returns a version by id, (nil, nil) when absent.
func (r *WeightVersionRepo) Get(ctx context.Context, versionID string) (*persistence.CalibratedWeightSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[versionID]
	if !ok {
		return nil, nil
	}
	return &set, ctx.Err()
}

// LatestPromoted returns the newest promoted version for an asset.
func (r *WeightVersionRepo) LatestPromoted(ctx context.Context, asset string) (*persistence.CalibratedWeightSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *persistence.CalibratedWeightSet
	for id := range r.sets {
		set := r.sets[id]
		if set.Asset != asset || set.Status != persistence.VersionPromoted {
			continue
		}
		if latest == nil || set.CreatedAt.After(latest.CreatedAt) {
			latest = &set
		}
	}
	return latest, ctx.Err()
}

// GovernanceRepo is a map-backed persistence.GovernanceRepo.
type GovernanceRepo struct {
	mu     sync.RWMutex
	states map[string]persistence.GovernanceState
	events []persistence.GovernanceEvent
}

var _ persistence.GovernanceRepo = (*GovernanceRepo)(nil)

// GetState returns the routing state for an asset, (nil, nil) when absent.
func (r *GovernanceRepo) GetState(ctx context.Context, asset string) (*persistence.GovernanceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[asset]
	if !ok {
		return nil, nil
	}
	return &st, ctx.Err()
}

// SaveState upserts the routing state by asset.
func (r *GovernanceRepo) SaveState(ctx context.Context, state persistence.GovernanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.Asset] = state
	return ctx.Err()
}

// AppendEvent records a governance decision.
func (r *GovernanceRepo) AppendEvent(ctx context.Context, evt persistence.GovernanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return ctx.Err()
}

// RecentEvents returns the newest events for an asset, newest first.
func (r *GovernanceRepo) RecentEvents(ctx context.Context, asset string, limit int) ([]persistence.GovernanceEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []persistence.GovernanceEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].Asset == asset {
			out = append(out, r.events[i])
		}
	}
	return out, ctx.Err()
}
