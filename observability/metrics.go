// Package observability hosts the engine's Prometheus collectors and the
// structured logging setup shared by every component.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SweepMetrics instruments the background expiration sweeps.
type SweepMetrics struct {
	runs       *prometheus.CounterVec
	rows       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	contention *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var (
	sweepOnce     sync.Once
	sweepRegistry *SweepMetrics
)

// Sweeps returns the lazily-initialised sweep metrics registry.
func Sweeps() *SweepMetrics {
	sweepOnce.Do(func() {
		sweepRegistry = &SweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referralhub",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Completed sweep executions segmented by sweep name and outcome.",
			}, []string{"sweep", "outcome"}),
			rows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referralhub",
				Subsystem: "sweep",
				Name:      "rows_total",
				Help:      "Rows transitioned by each sweep.",
			}, []string{"sweep"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referralhub",
				Subsystem: "sweep",
				Name:      "failures_total",
				Help:      "Sweep executions that ended in an error before exhausting their batches.",
			}, []string{"sweep"}),
			contention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referralhub",
				Subsystem: "sweep",
				Name:      "lock_contention_total",
				Help:      "Sweep executions skipped because another instance held the lock.",
			}, []string{"sweep"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "referralhub",
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of sweep executions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"sweep"}),
		}
		prometheus.MustRegister(
			sweepRegistry.runs,
			sweepRegistry.rows,
			sweepRegistry.failures,
			sweepRegistry.contention,
			sweepRegistry.duration,
		)
	})
	return sweepRegistry
}

// ObserveRun records the outcome of one sweep execution.
func (m *SweepMetrics) ObserveRun(sweep string, rows int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.failures.WithLabelValues(sweep).Inc()
	}
	m.runs.WithLabelValues(sweep, outcome).Inc()
	if rows > 0 {
		m.rows.WithLabelValues(sweep).Add(float64(rows))
	}
	m.duration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// ObserveContention records a sweep skipped on lock acquisition.
func (m *SweepMetrics) ObserveContention(sweep string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(sweep).Inc()
}
