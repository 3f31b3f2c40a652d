package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncbench",
			Subsystem: "workload",
			Name:      "total",
			Help:      "Number of workloads processed, by outcome (skipped, completed, timeout, interrupted, aborted).",
		}, []string{"outcome"},
	)
	workloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncbench",
			Subsystem: "workload",
			Name:      "duration_seconds",
			Help:      "Wall time from first launch to the end of monitoring.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
	barrierWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncbench",
			Subsystem: "barrier",
			Name:      "wait_seconds",
			Help:      "Time between the first launch and the synchronized start of a workload.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
	rows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncbench",
			Subsystem: "row",
			Name:      "total",
			Help:      "Number of reconciled rows, by status.",
		}, []string{"status"},
	)
	degraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncbench",
			Subsystem: "capability",
			Name:      "degraded_total",
			Help:      "Number of times an optional capability was disabled because its tool was missing or failed.",
		}, []string{"tool"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncbench",
			Subsystem: "row",
			Name:      "running",
			Help:      "Rows of the current workload whose process is still alive.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workloads, workloadDuration, barrierWait, rows, degraded, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWorkload(outcome string) {
	if regOK.Load() {
		workloads.WithLabelValues(outcome).Inc()
	}
}

func ObserveWorkloadDuration(seconds float64) {
	if regOK.Load() {
		workloadDuration.Observe(seconds)
	}
}

func ObserveBarrierWait(seconds float64) {
	if regOK.Load() {
		barrierWait.Observe(seconds)
	}
}

func IncRow(status string) {
	if regOK.Load() {
		rows.WithLabelValues(status).Inc()
	}
}

func IncDegraded(tool string) {
	if regOK.Load() {
		degraded.WithLabelValues(tool).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}
