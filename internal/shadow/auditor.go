package shadow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/alerts"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// Divergence rule identifiers carried on alerts.
const (
	RuleSignInstability    = "SIGN_INSTABILITY"
	RuleRegimeFlips        = "REGIME_FLIPS"
	RuleConfidenceCollapse = "CONFIDENCE_COLLAPSE"
)

// Alert is one divergence finding from a check pass.
type Alert struct {
	Rule      string  `json:"rule"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Health is the governance snapshot exposed over HTTP.
type Health struct {
	Asset             string    `json:"asset"`
	ActiveVersion     string    `json:"activeVersion"`
	ShadowVersion     string    `json:"shadowVersion"`
	Downgraded        bool      `json:"downgraded"`
	ConsecutiveAlerts int       `json:"consecutiveAlerts"`
	RecentComparisons int       `json:"recentComparisons"`
	ActiveAlerts      []Alert   `json:"activeAlerts"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Notifier delivers alerts without ever failing the caller.
type Notifier interface {
	Dispatch(ctx context.Context, evt alerts.Event)
}

// Auditor evaluates the routed engine, mirrors every evaluation through the
// other engine, appends the comparison record and drives the governance
// counter.
type Auditor struct {
	cfg      config.ShadowConfig
	baseline Engine
	upgraded Engine
	audit    persistence.ShadowAuditRepo
	gov      persistence.GovernanceRepo
	notify   Notifier
	log      zerolog.Logger
}

// NewAuditor wires the audit loop over the two engine versions.
func NewAuditor(cfg config.ShadowConfig, baseline, upgraded Engine, audit persistence.ShadowAuditRepo, gov persistence.GovernanceRepo, notify Notifier) *Auditor {
	return &Auditor{
		cfg:      cfg,
		baseline: baseline,
		upgraded: upgraded,
		audit:    audit,
		gov:      gov,
		notify:   notify,
		log:      log.With().Str("component", "shadow").Logger(),
	}
}

// state returns the routing state for an asset, creating the default
// (upgraded engine active, baseline shadowing) on first contact.
func (a *Auditor) state(ctx context.Context, asset string) (persistence.GovernanceState, error) {
	st, err := a.gov.GetState(ctx, asset)
	if err != nil {
		return persistence.GovernanceState{}, err
	}
	if st != nil {
		return *st, nil
	}
	return persistence.GovernanceState{
		Asset:         asset,
		ActiveVersion: a.upgraded.Version(),
		ShadowVersion: a.baseline.Version(),
	}, nil
}

func (a *Auditor) engineFor(version string) Engine {
	if version == a.baseline.Version() {
		return a.baseline
	}
	return a.upgraded
}

// Observe runs the active engine for the caller and the shadow engine on
// the identical inputs, records the comparison and advances governance.
// Shadow-side failures degrade to an active-only answer.
func (a *Auditor) Observe(ctx context.Context, in Inputs) (Evaluation, error) {
	st, err := a.state(ctx, in.Asset)
	if err != nil {
		return Evaluation{}, fmt.Errorf("shadow: load governance state: %w", err)
	}

	active := a.engineFor(st.ActiveVersion)
	shadowEng := a.engineFor(st.ShadowVersion)

	activeEval, err := active.Evaluate(ctx, in)
	if err != nil {
		return Evaluation{}, fmt.Errorf("shadow: active engine: %w", err)
	}

	shadowEval, err := shadowEng.Evaluate(ctx, in)
	if err != nil {
		a.log.Warn().Err(err).Str("asset", in.Asset).Msg("shadow engine failed, audit skipped")
		return activeEval, nil
	}

	rec := compare(in, activeEval, shadowEval)
	if err := a.audit.Append(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("asset", in.Asset).Msg("failed to append shadow audit record")
		return activeEval, nil
	}

	if _, err := a.Check(ctx, in.Asset); err != nil {
		a.log.Error().Err(err).Str("asset", in.Asset).Msg("divergence check failed")
	}
	return activeEval, nil
}

// compare builds the append-only audit record for one evaluation pair.
func compare(in Inputs, active, shadowEval Evaluation) persistence.ShadowComparisonRecord {
	per := make(map[string]persistence.HorizonComparison, len(active.Horizons))
	for label, act := range active.Horizons {
		sh, ok := shadowEval.Horizons[label]
		if !ok {
			continue
		}
		per[label] = persistence.HorizonComparison{
			SignMismatch:    signMismatch(act.ExpectedReturn, sh.ExpectedReturn),
			ReturnDelta:     sh.ExpectedReturn - act.ExpectedReturn,
			ConfidenceDelta: sh.Confidence - act.Confidence,
		}
	}
	return persistence.ShadowComparisonRecord{
		Timestamp:        in.AsOf,
		Asset:            in.Asset,
		ActiveVersion:    active.Version,
		ShadowVersion:    shadowEval.Version,
		PerHorizon:       per,
		RegimeLabel:      active.RegimeLabel,
		WeightsVersionID: active.WeightsVersionID,
	}
}

func signMismatch(a, b float64) bool {
	const eps = 1e-9
	sa, sb := 0, 0
	if a > eps {
		sa = 1
	} else if a < -eps {
		sa = -1
	}
	if b > eps {
		sb = 1
	} else if b < -eps {
		sb = -1
	}
	return sa != 0 && sb != 0 && sa != sb
}

// Check evaluates the divergence rules over the rolling window and advances
// the consecutive-alert counter: +1 for a non-empty batch, reset to zero on
// a clean pass. Hitting the threshold downgrades routing.
func (a *Auditor) Check(ctx context.Context, asset string) ([]Alert, error) {
	recent, err := a.audit.Recent(ctx, asset, a.cfg.LongWindowObservations)
	if err != nil {
		return nil, fmt.Errorf("shadow: load audit window: %w", err)
	}
	batch := a.evaluateRules(recent)

	st, err := a.state(ctx, asset)
	if err != nil {
		return nil, err
	}

	if len(batch) == 0 {
		if st.ConsecutiveAlerts != 0 {
			st.ConsecutiveAlerts = 0
			st.UpdatedAt = time.Now().UTC()
			if err := a.gov.SaveState(ctx, st); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	st.ConsecutiveAlerts++
	st.UpdatedAt = time.Now().UTC()

	for _, al := range batch {
		a.notify.Dispatch(ctx, alerts.Event{
			Severity: alerts.SeverityWarning,
			Source:   "shadow-audit",
			Message:  al.Message,
			Fields: map[string]string{
				"asset":     asset,
				"rule":      al.Rule,
				"value":     fmt.Sprintf("%.4f", al.Value),
				"threshold": fmt.Sprintf("%.4f", al.Threshold),
			},
		})
	}

	if st.ConsecutiveAlerts >= a.cfg.DowngradeThreshold && !st.Downgraded {
		if err := a.downgrade(ctx, &st, batch); err != nil {
			return batch, err
		}
	}
	if err := a.gov.SaveState(ctx, st); err != nil {
		return batch, err
	}
	return batch, nil
}

// downgrade swaps routing back to the baseline engine. Idempotent: a
// downgraded asset is never downgraded again until explicitly re-promoted.
func (a *Auditor) downgrade(ctx context.Context, st *persistence.GovernanceState, batch []Alert) error {
	from := st.ActiveVersion
	st.ActiveVersion = a.baseline.Version()
	st.ShadowVersion = from
	st.Downgraded = true

	evt := persistence.GovernanceEvent{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Asset:       st.Asset,
		Type:        persistence.EventAutoDowngrade,
		FromVersion: from,
		ToVersion:   st.ActiveVersion,
		Reason:      fmt.Sprintf("%d consecutive divergence alert batches", st.ConsecutiveAlerts),
		Details:     map[string]string{"firstRule": batch[0].Rule},
	}
	if err := a.gov.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("shadow: record downgrade event: %w", err)
	}

	a.notify.Dispatch(ctx, alerts.Event{
		Severity: alerts.SeverityCritical,
		Source:   "shadow-governance",
		Message:  "auto-downgraded to baseline engine",
		Fields: map[string]string{
			"asset": st.Asset,
			"from":  from,
			"to":    st.ActiveVersion,
		},
	})
	a.log.Warn().
		Str("asset", st.Asset).
		Str("from", from).
		Str("to", st.ActiveVersion).
		Msg("auto-downgrade triggered")
	return nil
}

// Promote routes an asset (back) onto the upgraded engine and clears the
// downgrade flag. Recorded as a distinct governance event.
func (a *Auditor) Promote(ctx context.Context, asset string) error {
	st, err := a.state(ctx, asset)
	if err != nil {
		return err
	}
	from := st.ActiveVersion
	st.ActiveVersion = a.upgraded.Version()
	st.ShadowVersion = a.baseline.Version()
	st.Downgraded = false
	st.ConsecutiveAlerts = 0
	st.UpdatedAt = time.Now().UTC()

	if err := a.gov.SaveState(ctx, st); err != nil {
		return err
	}
	return a.gov.AppendEvent(ctx, persistence.GovernanceEvent{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Asset:       asset,
		Type:        persistence.EventPromotion,
		FromVersion: from,
		ToVersion:   st.ActiveVersion,
		Reason:      "manual promotion",
	})
}

// Health reports the current routing and divergence posture of an asset.
func (a *Auditor) Health(ctx context.Context, asset string) (Health, error) {
	st, err := a.state(ctx, asset)
	if err != nil {
		return Health{}, err
	}
	recent, err := a.audit.Recent(ctx, asset, a.cfg.LongWindowObservations)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Asset:             asset,
		ActiveVersion:     st.ActiveVersion,
		ShadowVersion:     st.ShadowVersion,
		Downgraded:        st.Downgraded,
		ConsecutiveAlerts: st.ConsecutiveAlerts,
		RecentComparisons: len(recent),
		ActiveAlerts:      a.evaluateRules(recent),
		UpdatedAt:         st.UpdatedAt,
	}, nil
}

// evaluateRules applies the three divergence rules to the audit window
// (records newest first).
func (a *Auditor) evaluateRules(recent []persistence.ShadowComparisonRecord) []Alert {
	recent = a.trimByAge(recent)
	if len(recent) == 0 {
		return nil
	}
	window := recent
	if len(window) > a.cfg.WindowObservations {
		window = window[:a.cfg.WindowObservations]
	}

	var out []Alert

	// Rule 1: too many evaluations where any horizon disagrees on sign.
	mismatches := 0
	for _, rec := range window {
		for _, hc := range rec.PerHorizon {
			if hc.SignMismatch {
				mismatches++
				break
			}
		}
	}
	ratio := float64(mismatches) / float64(len(window))
	if len(window) >= minRuleWindow && ratio > a.cfg.SignMismatchRatio {
		out = append(out, Alert{
			Rule:      RuleSignInstability,
			Message:   "active and shadow engines disagree on direction too often",
			Value:     ratio,
			Threshold: a.cfg.SignMismatchRatio,
		})
	}

	// Rule 2: regime label churns across the window.
	flips := 0
	for i := 1; i < len(window); i++ {
		if window[i].RegimeLabel != window[i-1].RegimeLabel {
			flips++
		}
	}
	if flips > a.cfg.MaxRegimeFlips {
		out = append(out, Alert{
			Rule:      RuleRegimeFlips,
			Message:   "regime label is flipping faster than hysteresis should allow",
			Value:     float64(flips),
			Threshold: float64(a.cfg.MaxRegimeFlips),
		})
	}

	// Rule 3: shadow confidence advantage collapsed versus the long window.
	recentAvg := avgConfidenceDelta(window)
	longAvg := avgConfidenceDelta(recent)
	if len(recent) > len(window) && longAvg > 1e-9 && recentAvg < a.cfg.ConfidenceCollapseFrac*longAvg {
		out = append(out, Alert{
			Rule:      RuleConfidenceCollapse,
			Message:   "recent confidence delta collapsed relative to trend",
			Value:     recentAvg,
			Threshold: a.cfg.ConfidenceCollapseFrac * longAvg,
		})
	}
	return out
}

// minRuleWindow keeps the ratio rule quiet until enough comparisons exist
// to make a ratio meaningful.
const minRuleWindow = 5

// trimByAge drops records older than WindowDays behind the newest one, so
// comparisons left over from a paused asset cannot dominate the rules.
// Anchored on the newest record, not the wall clock, to stay replayable.
func (a *Auditor) trimByAge(recent []persistence.ShadowComparisonRecord) []persistence.ShadowComparisonRecord {
	if a.cfg.WindowDays <= 0 || len(recent) == 0 {
		return recent
	}
	cutoff := recent[0].Timestamp.AddDate(0, 0, -a.cfg.WindowDays)
	for i, rec := range recent {
		if rec.Timestamp.Before(cutoff) {
			return recent[:i]
		}
	}
	return recent
}

func avgConfidenceDelta(recs []persistence.ShadowComparisonRecord) float64 {
	n := 0
	sum := 0.0
	for _, rec := range recs {
		for _, hc := range rec.PerHorizon {
			sum += math.Abs(hc.ConfidenceDelta)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
