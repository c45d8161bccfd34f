// Package metrics exposes deployment progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_steps_total",
			Help: "Plan steps processed, by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployer_step_duration_seconds",
			Help:    "Duration of executed plan steps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	chainOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_chain_operations_total",
			Help: "Chain operations by kind and result class",
		},
		[]string{"op", "class"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_retries_total",
			Help: "Retried chain operations",
		},
		[]string{"op"},
	)

	mismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployer_mismatches_total",
			Help: "Validation mismatches found",
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_runs_total",
			Help: "Completed runs by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	resources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployer_resources",
			Help: "Registry entries by status after the last run",
		},
		[]string{"status"},
	)
)

// Step outcomes.
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// ObserveStep records a processed plan step.
func ObserveStep(phase, outcome string, d time.Duration) {
	stepsTotal.WithLabelValues(phase, outcome).Inc()
	if outcome != OutcomeSkipped {
		stepDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// ObserveChainOp records a chain operation. class is "ok" on success.
func ObserveChainOp(op, class string) {
	chainOpsTotal.WithLabelValues(op, class).Inc()
}

// CountRetry records a retry of op.
func CountRetry(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}

// CountMismatches adds n validation mismatches.
func CountMismatches(n int) {
	mismatchesTotal.Add(float64(n))
}

// ObserveRun records a finished run.
func ObserveRun(mode, outcome string) {
	runsTotal.WithLabelValues(mode, outcome).Inc()
}

// SetResources sets the number of registry entries in status.
func SetResources(status string, n int) {
	resources.WithLabelValues(status).Set(float64(n))
}
