// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the engine exports. It carries its own
// prometheus registry so repeated construction (tests, embedded use) never
// trips duplicate registration.
type Registry struct {
	reg *prometheus.Registry

	Evaluations      *prometheus.CounterVec
	EvaluationErrors *prometheus.CounterVec
	EvalDuration     *prometheus.HistogramVec

	RegimeFlips *prometheus.CounterVec
	ActiveGuard prometheus.Gauge
	Stability   *prometheus.GaugeVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	CalibrationRuns *prometheus.CounterVec
	ShadowAlerts    *prometheus.CounterVec
	Downgrades      prometheus.Counter
}

// New builds and registers all collectors.
func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_evaluations_total",
				Help: "Total regime evaluations by scope and outcome",
			},
			[]string{"scope", "result"},
		),
		EvaluationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_evaluation_errors_total",
				Help: "Evaluation failures by component",
			},
			[]string{"component"},
		),
		EvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "macrobrain_evaluation_duration_seconds",
				Help:    "Duration of evaluation stages in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		RegimeFlips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_regime_flips_total",
				Help: "Regime label transitions by scope and from/to labels",
			},
			[]string{"scope", "from", "to"},
		),
		ActiveGuard: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "macrobrain_active_guard_level",
				Help: "Current guard level (0=NONE, 1=WARN, 2=CRISIS, 3=BLOCK)",
			},
		),
		Stability: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "macrobrain_regime_stability",
				Help: "Current stability score per scope, 0 to 1",
			},
			[]string{"scope"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_cache_hits_total",
				Help: "Score cache hits by endpoint",
			},
			[]string{"endpoint"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_cache_misses_total",
				Help: "Score cache misses by endpoint",
			},
			[]string{"endpoint"},
		),
		CalibrationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_calibration_runs_total",
				Help: "Calibration runs by resulting status",
			},
			[]string{"status"},
		),
		ShadowAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrobrain_shadow_alerts_total",
				Help: "Shadow divergence alerts by rule",
			},
			[]string{"rule"},
		),
		Downgrades: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "macrobrain_auto_downgrades_total",
				Help: "Governance auto-downgrades",
			},
		),
	}

	m.reg.MustRegister(
		m.Evaluations,
		m.EvaluationErrors,
		m.EvalDuration,
		m.RegimeFlips,
		m.ActiveGuard,
		m.Stability,
		m.CacheHits,
		m.CacheMisses,
		m.CalibrationRuns,
		m.ShadowAlerts,
		m.Downgrades,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordGuardLevel maps the guard label onto the level gauge.
func (m *Registry) RecordGuardLevel(label string) {
	var v float64
	switch label {
	case "WARN":
		v = 1
	case "CRISIS":
		v = 2
	case "BLOCK":
		v = 3
	}
	m.ActiveGuard.Set(v)
}
