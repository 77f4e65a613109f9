// Package guard implements the crisis-guard classifier: an ordered rule
// cascade over credit stress, volatility and macro score, with a
// liquidity-driven acceleration that can only raise the resulting level.
package guard

import (
	"github.com/fractal-platform/macrobrain/internal/config"
)

// Level is the crisis-guard level, totally ordered NONE < WARN < CRISIS <
// BLOCK.
type Level int

const (
	LevelNone Level = iota
	LevelWarn
	LevelCrisis
	LevelBlock
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelWarn:
		return "WARN"
	case LevelCrisis:
		return "CRISIS"
	case LevelBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a label back to its level; unknown labels map to NONE.
func ParseLevel(s string) Level {
	switch s {
	case "WARN":
		return LevelWarn
	case "CRISIS":
		return LevelCrisis
	case "BLOCK":
		return LevelBlock
	default:
		return LevelNone
	}
}

// LiquidityRegime is the liquidity backdrop feeding the acceleration rule.
type LiquidityRegime string

const (
	LiquidityExpansion   LiquidityRegime = "EXPANSION"
	LiquidityNeutral     LiquidityRegime = "NEUTRAL"
	LiquidityContraction LiquidityRegime = "CONTRACTION"
)

// Inputs is everything the classifier reads. It is a plain value so the
// classifier stays callable against any historical triple without touching
// live state.
type Inputs struct {
	CreditComposite  float64         `json:"creditComposite"` // 0..1
	VIX              float64         `json:"vix"`
	MacroScore       float64         `json:"macroScore"` // signed, positive = stress
	LiquidityRegime  LiquidityRegime `json:"liquidityRegime"`
	LiquidityImpulse float64         `json:"liquidityImpulse"`
}

// Multipliers are the sizing knobs handed downstream per level.
type Multipliers struct {
	ConfidenceMultiplier float64 `json:"confidenceMultiplier"`
	SizeMultiplier       float64 `json:"sizeMultiplier"`
	TradingAllowed       bool    `json:"tradingAllowed"`
}

// Assessment is the classifier output plus the raw inputs that produced it,
// so audit records are self-describing.
type Assessment struct {
	Level       Level       `json:"-"`
	LevelLabel  string      `json:"level"`
	Multipliers Multipliers `json:"multipliers"`
	Accelerated bool        `json:"accelerated"`
	Inputs      Inputs      `json:"inputs"`
}

// Classifier evaluates the guard cascade with configured thresholds. It
// holds no mutable state.
type Classifier struct {
	cfg config.GuardConfig
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(cfg config.GuardConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// baseMultipliers is the level lookup table before any haircut.
func baseMultipliers(l Level) Multipliers {
	switch l {
	case LevelBlock:
		return Multipliers{ConfidenceMultiplier: 0.25, SizeMultiplier: 0.0, TradingAllowed: false}
	case LevelCrisis:
		return Multipliers{ConfidenceMultiplier: 0.5, SizeMultiplier: 0.4, TradingAllowed: true}
	case LevelWarn:
		return Multipliers{ConfidenceMultiplier: 0.8, SizeMultiplier: 0.75, TradingAllowed: true}
	default:
		return Multipliers{ConfidenceMultiplier: 1.0, SizeMultiplier: 1.0, TradingAllowed: true}
	}
}

// Classify runs the rule cascade, first match wins, then applies the
// liquidity acceleration. The acceleration only ever upgrades NONE/WARN to
// CRISIS, so the result is never below what the cascade chose.
func (c *Classifier) Classify(in Inputs) Assessment {
	level := c.cascade(in)

	accelerated := false
	if level < LevelCrisis && c.accelerates(in) {
		level = LevelCrisis
		accelerated = true
	}

	mult := baseMultipliers(level)
	if level == LevelCrisis && in.LiquidityRegime == LiquidityContraction {
		// Extra haircut for crisis inside a liquidity contraction.
		mult.ConfidenceMultiplier *= c.cfg.ContractionHaircut
		mult.SizeMultiplier *= c.cfg.ContractionHaircut
	}

	return Assessment{
		Level:       level,
		LevelLabel:  level.String(),
		Multipliers: mult,
		Accelerated: accelerated,
		Inputs:      in,
	}
}

func (c *Classifier) cascade(in Inputs) Level {
	switch {
	case in.CreditComposite > c.cfg.BlockCreditThresh && in.VIX > c.cfg.BlockVixThresh:
		return LevelBlock
	case in.CreditComposite > c.cfg.CrisisCreditThresh && in.VIX > c.cfg.CrisisVixThresh:
		return LevelCrisis
	case in.CreditComposite > c.cfg.WarnCreditThresh && in.MacroScore > c.cfg.WarnMacroThresh:
		return LevelWarn
	default:
		return LevelNone
	}
}

func (c *Classifier) accelerates(in Inputs) bool {
	return in.LiquidityRegime == LiquidityContraction &&
		in.LiquidityImpulse < c.cfg.AccelImpulseThresh &&
		in.CreditComposite > c.cfg.AccelCreditThresh
}
