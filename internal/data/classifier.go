package data

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/guard"
	"github.com/fractal-platform/macrobrain/internal/regime"
)

// Macro score thresholds for the raw macro label. Stress is positive.
const (
	macroStressThresh     = 1.0
	macroTighteningThresh = 0.25
	macroEasingThresh     = -0.25
)

// Cross-asset appetite thresholds.
const crossAssetThresh = 0.3

// WorldClassifier produces the raw per-scope labels from one world-state
// snapshot. It implements the regime engine's classifier contract.
type WorldClassifier struct {
	world WorldStateSource
	guard *guard.Classifier
	log   zerolog.Logger
}

// NewWorldClassifier wires the classifier over a (typically
// circuit-broken) world-state source.
func NewWorldClassifier(world WorldStateSource, g *guard.Classifier) *WorldClassifier {
	return &WorldClassifier{
		world: world,
		guard: g,
		log:   log.With().Str("component", "classifier").Logger(),
	}
}

// Classify builds the world state once, then derives the three scope labels
// concurrently. A panicking or failing branch degrades to its neutral
// default rather than aborting the evaluation.
func (c *WorldClassifier) Classify(ctx context.Context, asOf time.Time) ([]regime.RawClassification, error) {
	ws, err := c.world.BuildWorldState(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("classify: build world state: %w", err)
	}
	hash := inputHash(ws)
	degradedInputs := len(ws.Stale) > 0

	type branch struct {
		scope    regime.Scope
		fallback string
		classify func() string
	}
	branches := []branch{
		{regime.ScopeMacro, "NEUTRAL", func() string { return macroLabel(ws.MacroScore) }},
		{regime.ScopeGuard, "NONE", func() string { return c.guardLabel(ws) }},
		{regime.ScopeCrossAsset, "NEUTRAL", func() string { return crossAssetLabel(ws.CrossAssetScore) }},
	}

	out := make([]regime.RawClassification, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := regime.RawClassification{
				Scope:     b.scope,
				Value:     b.fallback,
				InputHash: hash,
				Degraded:  degradedInputs,
			}
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().
						Str("scope", string(b.scope)).
						Interface("panic", r).
						Msg("classification branch panicked, using fallback")
					rc.Value = b.fallback
					rc.Degraded = true
				}
				out[i] = rc
			}()
			rc.Value = b.classify()
		}()
	}
	wg.Wait()
	return out, nil
}

func (c *WorldClassifier) guardLabel(ws WorldState) string {
	return c.guard.Classify(guard.Inputs{
		CreditComposite:  ws.CreditComposite,
		VIX:              ws.VIX,
		MacroScore:       ws.MacroScore,
		LiquidityRegime:  ws.LiquidityRegime,
		LiquidityImpulse: ws.LiquidityImpulse,
	}).LevelLabel
}

func macroLabel(score float64) string {
	switch {
	case score >= macroStressThresh:
		return "STRESS"
	case score >= macroTighteningThresh:
		return "TIGHTENING"
	case score <= macroEasingThresh:
		return "EASING"
	default:
		return "NEUTRAL"
	}
}

func crossAssetLabel(score float64) string {
	switch {
	case score > crossAssetThresh:
		return "RISK_ON"
	case score < -crossAssetThresh:
		return "RISK_OFF"
	default:
		return "NEUTRAL"
	}
}

// inputHash fingerprints the snapshot so replays can prove the same inputs
// produced the same labels.
func inputHash(ws WorldState) string {
	buf, err := json.Marshal(ws)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}
