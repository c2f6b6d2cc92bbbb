package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestration loop.
type Metrics struct {
	// Terminal run statuses
	RunsTotal *prometheus.CounterVec

	// Attempt classifications
	AttemptsTotal *prometheus.CounterVec

	// Gate executions
	GateDuration *prometheus.HistogramVec

	// Lease contention
	LeaseRefusalsTotal prometheus.Counter

	// Infrastructure aborts
	InfraAbortsTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics for the
// orchestrator.
//
// This function uses sync.Once to ensure metrics are only registered
// once globally, preventing "duplicate metrics collector registration"
// panics.
//
// All metrics are prefixed with "mendd_" for namespacing.
//
// Metrics:
//   - mendd_runs_total{status} - Count of runs by terminal status
//   - mendd_attempts_total{outcome} - Count of attempts by outcome
//   - mendd_gate_duration_seconds{scope} - Histogram of gate durations
//   - mendd_lease_refusals_total - Count of runs skipped on lease contention
//   - mendd_infra_aborts_total - Count of runs aborted on infrastructure errors
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mendd_runs_total",
					Help: "Total number of orchestrator runs by terminal status",
				},
				[]string{"status"}, // "resolved", "exhausted", "unresolved"
			),

			AttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mendd_attempts_total",
					Help: "Total number of remediation attempts by outcome",
				},
				[]string{"outcome"}, // "succeeded", "test_failed", "test_timeout", "agent_failed"
			),

			GateDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mendd_gate_duration_seconds",
					Help:    "Duration of test gate executions in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
				},
				[]string{"scope"},
			),

			LeaseRefusalsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_lease_refusals_total",
					Help: "Total number of runs skipped because another holder leased the defect",
				},
			),

			InfraAbortsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_infra_aborts_total",
					Help: "Total number of runs aborted on test infrastructure errors",
				},
			),
		}
	})

	return globalMetrics
}

// RecordRun records a run's terminal status.
func (m *Metrics) RecordRun(status Status) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
}

// RecordAttempt records one classified remediation attempt.
func (m *Metrics) RecordAttempt(outcome string) {
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordGate records a gate execution duration.
func (m *Metrics) RecordGate(scope string, seconds float64) {
	m.GateDuration.WithLabelValues(scope).Observe(seconds)
}
