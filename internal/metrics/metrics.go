// Package metrics counts recovery activity on a private Prometheus registry.
// The CLI is short lived, so metrics are exported as a node_exporter
// textfile rather than served.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keyrecover"

// Outcome labels
const (
	OutcomeAutoAccept  = "auto_accept"
	OutcomeForceAccept = "force_accept"
	OutcomeRetry       = "retry"
	OutcomeDismissed   = "dismissed"
	OutcomeFailed      = "failed"
	OutcomeUnrecovered = "unrecoverable"
)

// Recovery holds the recovery session metrics.
type Recovery struct {
	reg *prometheus.Registry

	attempts      prometheus.Counter
	rejected      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	residual      prometheus.Histogram
	lastRemaining prometheus.Gauge
	derive        prometheus.Histogram
}

// NewRecovery registers the recovery metrics on a fresh registry.
func NewRecovery() *Recovery {
	m := &Recovery{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Candidate passcodes tried against the corpus.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_submissions_rejected_total",
			Help:      "Submissions rejected before derivation, by reason.",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Recovery decisions and terminal states, by outcome.",
		}, []string{"outcome"}),
		residual: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_residual_failures",
			Help:      "Items still failing to decrypt after an attempt.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		lastRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_last_residual_failures",
			Help:      "Residual failure count of the most recent attempt.",
		}),
		derive: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_derive_seconds",
			Help:      "Time spent deriving candidate keys.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
	}
	m.reg.MustRegister(m.attempts, m.rejected, m.outcomes, m.residual, m.lastRemaining, m.derive)
	return m
}

// Registry exposes the private registry for gathering.
func (m *Recovery) Registry() *prometheus.Registry {
	return m.reg
}

// Attempt records one completed attempt and its residual failure count.
func (m *Recovery) Attempt(residual int) {
	if m == nil {
		return
	}
	m.attempts.Inc()
	m.residual.Observe(float64(residual))
	m.lastRemaining.Set(float64(residual))
}

// Rejected records a submission refused at the boundary.
func (m *Recovery) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Outcome records a decision or terminal state.
func (m *Recovery) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// Derived records how long a derivation took.
func (m *Recovery) Derived(seconds float64) {
	if m == nil {
		return
	}
	m.derive.Observe(seconds)
}

// WriteTextfile writes the current values in the Prometheus text format to
// path, atomically.
func (m *Recovery) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
