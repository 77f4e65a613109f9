// Package persistence defines the persisted record types and repository
// contracts for regime memory, history, shadow audit, weight versions and
// governance state. Implementations live in the postgres and memory
// subpackages; consumers depend only on the interfaces.
package persistence

import (
	"context"
	"time"
)

// TimeRange is an inclusive date window for history queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PreviousState is one completed tenure in a scope's transition history.
type PreviousState struct {
	Value string    `json:"value"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Days  int       `json:"days"`
}

// RegimeMemoryState is the hysteresis-filtered state of one scope. One row
// per scope, mutated by upsert on every evaluation.
type RegimeMemoryState struct {
	Scope          string          `json:"scope" db:"scope"`
	Current        string          `json:"current" db:"current"`
	Since          time.Time       `json:"since" db:"since"`
	DaysInState    int             `json:"daysInState" db:"days_in_state"`
	Flips30d       int             `json:"flips30d" db:"flips_30d"`
	Stability      float64         `json:"stability" db:"stability"`
	PreviousStates []PreviousState `json:"previousStates" db:"previous_states"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// RegimeHistoryEntry is one day's classification for a scope. Append-only in
// spirit: re-running the same date overwrites that day's entry idempotently,
// entries are never mutated otherwise.
type RegimeHistoryEntry struct {
	Scope     string    `json:"scope" db:"scope"`
	Date      time.Time `json:"date" db:"date"`
	Value     string    `json:"value" db:"value"`
	InputHash string    `json:"inputHash" db:"input_hash"`
}

// WeightComponent is one series' share of a calibrated bucket.
type WeightComponent struct {
	SeriesID string  `json:"seriesId"`
	Weight   float64 `json:"weight"`
	LagDays  int     `json:"lagDays"`
	HitRate  float64 `json:"hitRate"`
}

// CalibrationDiagnostics records coverage, sample counts, fallback
// substitutions and inter-period drift for a weight version. Fallbacks are
// recorded, never silently dropped.
type CalibrationDiagnostics struct {
	Coverage     map[string]float64 `json:"coverage"`
	SampleCounts map[string]int     `json:"sampleCounts"`
	Fallbacks    map[string]string  `json:"fallbacks"`
	Drift        map[string]float64 `json:"drift"`
}

// Weight-version lifecycle statuses.
const (
	VersionPromoted = "PROMOTED"
	VersionRejected = "REJECTED"
)

// CalibratedWeightSet is a full weight version: buckets keyed
// "<horizonDays>D|<regime>" (regime "ALL" for the neutral bucket), plus
// diagnostics and sanity metrics. Rejected versions are persisted too, for
// inspection and rollback audit.
type CalibratedWeightSet struct {
	VersionID   string                       `json:"versionId" db:"version_id"`
	Asset       string                       `json:"asset" db:"asset"`
	CreatedAt   time.Time                    `json:"createdAt" db:"created_at"`
	Status      string                       `json:"status" db:"status"`
	Buckets     map[string][]WeightComponent `json:"buckets" db:"buckets"`
	Diagnostics CalibrationDiagnostics       `json:"diagnostics" db:"diagnostics"`
	Metrics     map[string]float64           `json:"metrics" db:"metrics"`
}

// BucketKey formats the bucket map key for a horizon/regime pair.
func BucketKey(horizonDays int, regime string) string {
	return fmtBucketKey(horizonDays, regime)
}

// HorizonComparison is the per-horizon divergence between the active and
// shadow engines on one evaluation.
type HorizonComparison struct {
	SignMismatch    bool    `json:"signMismatch"`
	ReturnDelta     float64 `json:"returnDelta"`
	ConfidenceDelta float64 `json:"confidenceDelta"`
}

// ShadowComparisonRecord is one append-only audit entry comparing the active
// engine against its shadow on identical inputs.
type ShadowComparisonRecord struct {
	Timestamp        time.Time                    `json:"timestamp" db:"ts"`
	Asset            string                       `json:"asset" db:"asset"`
	ActiveVersion    string                       `json:"activeVersion" db:"active_version"`
	ShadowVersion    string                       `json:"shadowVersion" db:"shadow_version"`
	PerHorizon       map[string]HorizonComparison `json:"perHorizon" db:"per_horizon"`
	RegimeLabel      string                       `json:"regimeLabel" db:"regime_label"`
	WeightsVersionID string                       `json:"weightsVersionId" db:"weights_version_id"`
}

// Governance event types.
const (
	EventAutoDowngrade = "AUTO_DOWNGRADE"
	EventPromotion     = "PROMOTION"
	EventRollback      = "ROLLBACK"
)

// GovernanceEvent is a distinct, durable record of a promotion/downgrade
// decision, separate from ordinary divergence alerts.
type GovernanceEvent struct {
	ID          string            `json:"id" db:"id"`
	Timestamp   time.Time         `json:"timestamp" db:"ts"`
	Asset       string            `json:"asset" db:"asset"`
	Type        string            `json:"type" db:"type"`
	FromVersion string            `json:"fromVersion" db:"from_version"`
	ToVersion   string            `json:"toVersion" db:"to_version"`
	Reason      string            `json:"reason" db:"reason"`
	Details     map[string]string `json:"details" db:"details"`
}

// GovernanceState is the per-asset routing state: which engine version is
// active, which runs as shadow, and the consecutive-alert counter that gates
// auto-downgrade.
type GovernanceState struct {
	Asset             string    `json:"asset" db:"asset"`
	ActiveVersion     string    `json:"activeVersion" db:"active_version"`
	ShadowVersion     string    `json:"shadowVersion" db:"shadow_version"`
	Downgraded        bool      `json:"downgraded" db:"downgraded"`
	ConsecutiveAlerts int       `json:"consecutiveAlerts" db:"consecutive_alerts"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// RegimeMemoryRepo persists per-scope memory state, keyed by scope.
type RegimeMemoryRepo interface {
	// Upsert applies last-writer-wins state for a scope.
	Upsert(ctx context.Context, state RegimeMemoryState) error

	// Get returns the state for a scope, (nil, nil) when absent.
	Get(ctx context.Context, scope string) (*RegimeMemoryState, error)

	// GetAll returns the state of every scope that has been evaluated.
	GetAll(ctx context.Context) ([]RegimeMemoryState, error)
}

// RegimeHistoryRepo persists the per-scope classification log, keyed by
// (scope, date).
type RegimeHistoryRepo interface {
	// Upsert records one day's classification idempotently.
	Upsert(ctx context.Context, entry RegimeHistoryEntry) error

	// ListRange returns entries for a scope within the window, ascending.
	ListRange(ctx context.Context, scope string, tr TimeRange) ([]RegimeHistoryEntry, error)

	// DeleteRange removes entries in the window. Used only by administrative
	// recompute before a full replay.
	DeleteRange(ctx context.Context, scope string, tr TimeRange) error
}

// ShadowAuditRepo persists the append-only shadow comparison log.
type ShadowAuditRepo interface {
	// Append adds one comparison record.
	Append(ctx context.Context, rec ShadowComparisonRecord) error

	// Recent returns the newest records for an asset, newest first.
	Recent(ctx context.Context, asset string, limit int) ([]ShadowComparisonRecord, error)
}

// WeightVersionRepo persists calibrated weight versions keyed by version id.
type WeightVersionRepo interface {
	// Upsert stores a weight version document.
	Upsert(ctx context.Context, set CalibratedWeightSet) error

	// Get returns a version by id, (nil, nil) when absent.
	Get(ctx context.Context, versionID string) (*CalibratedWeightSet, error)

	// LatestPromoted returns the newest promoted version for an asset,
	// (nil, nil) when none has been promoted yet.
	LatestPromoted(ctx context.Context, asset string) (*CalibratedWeightSet, error)
}

// GovernanceRepo persists routing state and governance events.
type GovernanceRepo interface {
	// GetState returns the routing state for an asset, (nil, nil) when the
	// asset has never been governed.
	GetState(ctx context.Context, asset string) (*GovernanceState, error)

	// SaveState upserts the routing state by asset.
	SaveState(ctx context.Context, state GovernanceState) error

	// AppendEvent records a governance decision.
	AppendEvent(ctx context.Context, evt GovernanceEvent) error

	// RecentEvents returns the newest events for an asset, newest first.
	RecentEvents(ctx context.Context, asset string, limit int) ([]GovernanceEvent, error)
}
