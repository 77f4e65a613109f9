// Package regime implements the hysteresis-filtered regime memory state:
// per-scope labels with dwell-time tracking, flip counting over a trailing
// window, and a bounded stability score, all derivable from the append-only
// history log.
package regime

import (
	"time"
)

// Scope identifies one tracked classification dimension.
type Scope string

const (
	ScopeMacro      Scope = "macro"
	ScopeGuard      Scope = "guard"
	ScopeCrossAsset Scope = "crossAsset"
)

// Scopes lists every scope in pack order.
func Scopes() []Scope {
	return []Scope{ScopeMacro, ScopeGuard, ScopeCrossAsset}
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeMacro, ScopeGuard, ScopeCrossAsset:
		return true
	}
	return false
}

// Macro regime labels.
const (
	MacroEasing     = "EASING"
	MacroNeutral    = "NEUTRAL"
	MacroTightening = "TIGHTENING"
	MacroStress     = "STRESS"
)

// Cross-asset correlation regime labels.
const (
	CrossAssetRiskOn  = "RISK_ON"
	CrossAssetNeutral = "NEUTRAL"
	CrossAssetRiskOff = "RISK_OFF"
)

// LabelsFor returns the allowed labels for a scope, used by the schema
// endpoint and by input validation.
func LabelsFor(scope Scope) []string {
	switch scope {
	case ScopeMacro:
		return []string{MacroEasing, MacroNeutral, MacroTightening, MacroStress}
	case ScopeGuard:
		return []string{"NONE", "WARN", "CRISIS", "BLOCK"}
	case ScopeCrossAsset:
		return []string{CrossAssetRiskOn, CrossAssetNeutral, CrossAssetRiskOff}
	default:
		return nil
	}
}

// ValidLabel reports whether value is an allowed label for scope.
func ValidLabel(scope Scope, value string) bool {
	for _, l := range LabelsFor(scope) {
		if l == value {
			return true
		}
	}
	return false
}

// RawClassification is the per-scope input to one evaluation: the raw label
// plus a hash of the inputs that produced it, for determinism audits.
type RawClassification struct {
	Scope     Scope  `json:"scope"`
	Value     string `json:"value"`
	InputHash string `json:"inputHash"`
	// Degraded marks a value that fell back to last-known or neutral
	// because its upstream fetch failed.
	Degraded bool `json:"degraded,omitempty"`
}

// TimelinePoint is one sampled date in a regime timeline.
type TimelinePoint struct {
	AsOf      time.Time         `json:"asOf"`
	Labels    map[Scope]string  `json:"labels"`
	Stability map[Scope]float64 `json:"stability"`
}

// TimelineSummary aggregates a timeline window.
type TimelineSummary struct {
	MacroFlips             int     `json:"macroFlips"`
	GuardFlips             int     `json:"guardFlips"`
	CrossAssetFlips        int     `json:"crossAssetFlips"`
	AvgMacroStability      float64 `json:"avgMacroStability"`
	AvgGuardStability      float64 `json:"avgGuardStability"`
	AvgCrossAssetStability float64 `json:"avgCrossAssetStability"`
	DominantMacro          string  `json:"dominantMacro"`
	DominantGuard          string  `json:"dominantGuard"`
	DominantCrossAsset     string  `json:"dominantCrossAsset"`
}

// Timeline is the full response of a timeline query.
type Timeline struct {
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	StepDays int             `json:"stepDays"`
	Points   []TimelinePoint `json:"points"`
	Summary  TimelineSummary `json:"summary"`
}
