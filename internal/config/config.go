// Package config loads and validates the engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fractal-platform/macrobrain/internal/asof"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Series      SeriesConfig      `yaml:"series"`
	Regime      RegimeConfig      `yaml:"regime"`
	Guard       GuardConfig       `yaml:"guard"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Shadow      ShadowConfig      `yaml:"shadow"`
	Sim         SimConfig         `yaml:"sim"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// AdminRatePerMin bounds destructive admin calls (recompute).
	AdminRatePerMin float64 `yaml:"admin_rate_per_min"`
	AdminBurst      int     `yaml:"admin_burst"`
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds the optional score-cache backend. Empty Addr selects the
// in-process cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ScoreTTL time.Duration `yaml:"score_ttl"`
}

// AlertsConfig configures outbound alert channels.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram alert channel. Disabled when the
// token is empty.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SeriesConfig carries the publication-lag table and the candidate inputs
// used by calibration.
type SeriesConfig struct {
	Lags       []asof.SeriesLag  `yaml:"lags"`
	Candidates []CandidateSeries `yaml:"candidates"`
}

// CandidateSeries is one calibration input with its expected directional
// relationship to forward returns (+1 pro-cyclical, -1 counter-cyclical).
type CandidateSeries struct {
	SeriesID     string  `yaml:"series_id"`
	ExpectedSign float64 `yaml:"expected_sign"`
}

// RegimeConfig tunes the hysteresis/stability computation. The stability
// weights and scales are empirically tuned constants carried as
// configuration.
type RegimeConfig struct {
	StabilityDaysScale  int     `yaml:"stability_days_scale"`  // default 90
	StabilityFlipsScale int     `yaml:"stability_flips_scale"` // default 10
	StabilityDaysWeight float64 `yaml:"stability_days_weight"` // default 0.5
	StabilityFlipWeight float64 `yaml:"stability_flip_weight"` // default 0.5
	FlipWindowDays      int     `yaml:"flip_window_days"`      // default 30
	PreviousStatesCap   int     `yaml:"previous_states_cap"`   // default 5
}

// GuardConfig holds the crisis-guard rule thresholds. All comparisons are
// strict.
type GuardConfig struct {
	BlockCreditThresh  float64 `yaml:"block_credit_thresh"`
	BlockVixThresh     float64 `yaml:"block_vix_thresh"`
	CrisisCreditThresh float64 `yaml:"crisis_credit_thresh"`
	CrisisVixThresh    float64 `yaml:"crisis_vix_thresh"`
	WarnCreditThresh   float64 `yaml:"warn_credit_thresh"`
	WarnMacroThresh    float64 `yaml:"warn_macro_thresh"`

	// Liquidity acceleration: CONTRACTION + impulse below AccelImpulseThresh
	// + credit above AccelCreditThresh force-upgrades NONE/WARN to CRISIS.
	AccelCreditThresh  float64 `yaml:"accel_credit_thresh"`
	AccelImpulseThresh float64 `yaml:"accel_impulse_thresh"`

	// ContractionHaircut is applied multiplicatively to both multipliers for
	// the CRISIS + CONTRACTION combination only.
	ContractionHaircut float64 `yaml:"contraction_haircut"`
}

// CalibrationConfig tunes the walk-forward optimizer.
type CalibrationConfig struct {
	TrainingWindowDays   int     `yaml:"training_window_days"`
	SampleStepDays       int     `yaml:"sample_step_days"`
	CandidateLags        []int   `yaml:"candidate_lags"`
	HorizonsDays         []int   `yaml:"horizons_days"`
	MinWeight            float64 `yaml:"min_weight"`
	MaxWeight            float64 `yaml:"max_weight"`
	WeightSumTolerance   float64 `yaml:"weight_sum_tolerance"`
	Smoothing            float64 `yaml:"smoothing"` // alpha toward the new vector
	MinEdgeTotal         float64 `yaml:"min_edge_total"`
	MinSamplesPerRegime  int     `yaml:"min_samples_per_regime"`
	MinCoverage          float64 `yaml:"min_coverage"`
	ZScoreWindowDays     int     `yaml:"zscore_window_days"`
	RecalibrateAfterDays int     `yaml:"recalibrate_after_days"` // promoted-version age before recal is advised
}

// ShadowConfig tunes divergence detection and governance.
type ShadowConfig struct {
	WindowDays             int     `yaml:"window_days"`
	WindowObservations     int     `yaml:"window_observations"`
	SignMismatchRatio      float64 `yaml:"sign_mismatch_ratio"`
	MaxRegimeFlips         int     `yaml:"max_regime_flips"`
	ConfidenceCollapseFrac float64 `yaml:"confidence_collapse_frac"`
	LongWindowObservations int     `yaml:"long_window_observations"`
	DowngradeThreshold     int     `yaml:"downgrade_threshold"`
}

// SimConfig tunes the offline walk-forward acceptance harness.
type SimConfig struct {
	StepDays             int     `yaml:"step_days"`
	MinAvgDeltaPp        float64 `yaml:"min_avg_delta_pp"`
	MaxDegradationPp     float64 `yaml:"max_degradation_pp"`
	MaxFlipRate          float64 `yaml:"max_flip_rate"`
	MaxOverrideIntensity float64 `yaml:"max_override_intensity"`
}

// Default returns the built-in configuration. File values overlay these.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			AdminRatePerMin: 2,
			AdminBurst:      1,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 8,
			MaxIdleConns: 4,
			QueryTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			ScoreTTL: 60 * time.Second,
		},
		Alerts: AlertsConfig{
			Telegram: TelegramConfig{Timeout: 5 * time.Second},
		},
		Series: SeriesConfig{
			Lags: []asof.SeriesLag{
				{SeriesID: "VIX", Cadence: asof.CadenceDaily, LagDays: 0},
				{SeriesID: "CREDIT_SPREAD_BAA", Cadence: asof.CadenceDaily, LagDays: 1},
				{SeriesID: "YIELD_CURVE_10Y2Y", Cadence: asof.CadenceDaily, LagDays: 1},
				{SeriesID: "NFCI", Cadence: asof.CadenceWeekly, LagDays: 5},
				{SeriesID: "PMI_MFG", Cadence: asof.CadenceMonthly, LagDays: 3},
				{SeriesID: "CPI_YOY", Cadence: asof.CadenceMonthly, LagDays: 14},
				{SeriesID: "M2_YOY", Cadence: asof.CadenceMonthly, LagDays: 28},
			},
			Candidates: []CandidateSeries{
				{SeriesID: "CREDIT_SPREAD_BAA", ExpectedSign: -1},
				{SeriesID: "VIX", ExpectedSign: -1},
				{SeriesID: "YIELD_CURVE_10Y2Y", ExpectedSign: 1},
				{SeriesID: "NFCI", ExpectedSign: -1},
				{SeriesID: "PMI_MFG", ExpectedSign: 1},
				{SeriesID: "M2_YOY", ExpectedSign: 1},
			},
		},
		Regime: RegimeConfig{
			StabilityDaysScale:  90,
			StabilityFlipsScale: 10,
			StabilityDaysWeight: 0.5,
			StabilityFlipWeight: 0.5,
			FlipWindowDays:      30,
			PreviousStatesCap:   5,
		},
		Guard: GuardConfig{
			BlockCreditThresh:  0.50,
			BlockVixThresh:     32.0,
			CrisisCreditThresh: 0.40,
			CrisisVixThresh:    28.0,
			WarnCreditThresh:   0.30,
			WarnMacroThresh:    0.5,
			AccelCreditThresh:  0.35,
			AccelImpulseThresh: -0.5,
			ContractionHaircut: 0.8,
		},
		Calibration: CalibrationConfig{
			TrainingWindowDays:   756,
			SampleStepDays:       5,
			CandidateLags:        []int{0, 5, 10, 21, 42, 63},
			HorizonsDays:         []int{30, 90, 180},
			MinWeight:            0.02,
			MaxWeight:            0.35,
			WeightSumTolerance:   0.001,
			Smoothing:            0.25,
			MinEdgeTotal:         0.02,
			MinSamplesPerRegime:  30,
			MinCoverage:          0.8,
			ZScoreWindowDays:     252,
			RecalibrateAfterDays: 30,
		},
		Shadow: ShadowConfig{
			WindowDays:             30,
			WindowObservations:     10,
			SignMismatchRatio:      0.4,
			MaxRegimeFlips:         3,
			ConfidenceCollapseFrac: 0.5,
			LongWindowObservations: 30,
			DowngradeThreshold:     3,
		},
		Sim: SimConfig{
			StepDays:             5,
			MinAvgDeltaPp:        2.0,
			MaxDegradationPp:     1.0,
			MaxFlipRate:          0.15,
			MaxOverrideIntensity: 0.5,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config: %v", issues)
	}
	return &cfg, nil
}

// Validate returns a list of consistency problems, empty when the config is
// usable.
func (c *Config) Validate() []string {
	var issues []string

	if c.Guard.BlockCreditThresh < c.Guard.CrisisCreditThresh {
		issues = append(issues, "guard: block credit threshold below crisis threshold")
	}
	if c.Guard.BlockVixThresh < c.Guard.CrisisVixThresh {
		issues = append(issues, "guard: block VIX threshold below crisis threshold")
	}
	if c.Guard.AccelImpulseThresh >= 0 {
		issues = append(issues, "guard: acceleration impulse threshold must be negative")
	}
	if c.Guard.ContractionHaircut <= 0 || c.Guard.ContractionHaircut > 1 {
		issues = append(issues, "guard: contraction haircut outside (0, 1]")
	}

	if c.Calibration.MinWeight <= 0 || c.Calibration.MaxWeight <= c.Calibration.MinWeight {
		issues = append(issues, "calibration: weight bounds must satisfy 0 < min < max")
	}
	if c.Calibration.MaxWeight > 1 {
		issues = append(issues, "calibration: max weight above 1.0")
	}
	if c.Calibration.Smoothing < 0 || c.Calibration.Smoothing > 1 {
		issues = append(issues, "calibration: smoothing alpha outside [0, 1]")
	}
	if c.Calibration.MinCoverage <= 0 || c.Calibration.MinCoverage > 1 {
		issues = append(issues, "calibration: min coverage outside (0, 1]")
	}
	if len(c.Calibration.HorizonsDays) == 0 {
		issues = append(issues, "calibration: at least one horizon required")
	}
	if len(c.Calibration.CandidateLags) == 0 {
		issues = append(issues, "calibration: at least one candidate lag required")
	}
	if c.Calibration.RecalibrateAfterDays <= 0 {
		issues = append(issues, "calibration: recalibrate-after days must be positive")
	}

	if c.Regime.StabilityDaysScale <= 0 || c.Regime.StabilityFlipsScale <= 0 {
		issues = append(issues, "regime: stability scales must be positive")
	}
	if c.Regime.FlipWindowDays <= 0 {
		issues = append(issues, "regime: flip window must be positive")
	}

	if c.Shadow.DowngradeThreshold <= 0 {
		issues = append(issues, "shadow: downgrade threshold must be positive")
	}
	if c.Shadow.SignMismatchRatio <= 0 || c.Shadow.SignMismatchRatio > 1 {
		issues = append(issues, "shadow: sign mismatch ratio outside (0, 1]")
	}

	return issues
}
