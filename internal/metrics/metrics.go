// Package metrics holds the Prometheus instruments for the guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the guard.
type Metrics struct {
	// Threat pipeline
	Classifications *prometheus.CounterVec
	ThreatScore     prometheus.Histogram
	Responses       *prometheus.CounterVec

	// One-way access
	Entries           *prometheus.CounterVec
	ExitAttempts      *prometheus.CounterVec
	VerificationSteps *prometheus.CounterVec
	Exports           *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	ActiveTokens      prometheus.Gauge

	// Audit
	SecurityEvents *prometheus.CounterVec
	AuditFailures  prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_classifications_total",
				Help: "Total number of classified attack events",
			},
			[]string{"level"}, // low, medium, high, critical
		),
		ThreatScore: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agies_threat_score",
				Help:    "Combined threat score of classified events (0-100)",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
		),
		Responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_responses_total",
				Help: "Adaptive responses chosen for classified events",
			},
			[]string{"action"},
		),
		Entries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_entries_total",
				Help: "Entry requests by result",
			},
			[]string{"result"}, // allowed, denied, rate_limited
		),
		ExitAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_exit_attempts_total",
				Help: "Exit initiations by result",
			},
			[]string{"result"},
		),
		VerificationSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_verification_steps_total",
				Help: "Submitted exit verification steps",
			},
			[]string{"step", "result"},
		),
		Exports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_exports_total",
				Help: "Exit executions by result",
			},
			[]string{"result"},
		),
		Violations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_violations_total",
				Help: "One-way violations detected",
			},
			[]string{"type"},
		),
		ActiveTokens: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agies_active_tokens",
				Help: "Live exit verification tokens after the last sweep",
			},
		),
		SecurityEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agies_security_events_total",
				Help: "Security events recorded",
			},
			[]string{"type", "severity"},
		),
		AuditFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agies_audit_failures_total",
				Help: "Security events at least one sink failed to record",
			},
		),
	}
}

// Result maps an error code (empty for success) to a result label.
func Result(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}
