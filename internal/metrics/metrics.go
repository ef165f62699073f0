// Package metrics exposes the Prometheus counters/histograms strategy
// execution is measured by, following the counter/histogram/label
// conventions of the teacher's securities-API metrics but retargeted at
// strategy execution (SPEC_FULL.md §10).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts strategy executions by mode and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Total strategy executions by mode and status",
		},
		[]string{"mode", "status"},
	)

	// ExecutionDuration tracks wall-clock execution time per mode.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execution_duration_seconds",
			Help:    "Strategy execution duration by mode",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"mode"},
	)

	// InstancesEmittedTotal counts instances returned by a strategy run.
	InstancesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_emitted_total",
			Help: "Total instances emitted by strategies, by mode",
		},
		[]string{"mode"},
	)

	// BatchCount observes how many concurrent batches a single
	// get_bar_data call fanned out into.
	BatchCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bar_data_batch_count",
			Help:    "Number of batches a get_bar_data call was split into",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// BarDataQueryDuration tracks per-query latency inside get_bar_data.
	BarDataQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bar_data_query_duration_seconds",
			Help:    "Duration of a single get_bar_data batch/direct query",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// ActiveTasksGauge is 1 while the worker is executing a task, 0
	// while idle in the dequeue loop (a worker runs one task at a
	// time — SPEC_FULL.md §5).
	ActiveTasksGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active_tasks",
			Help: "1 while a task is executing, 0 while idle",
		},
	)

	// DatabaseConnectionsGauge mirrors the pool's acquired/idle split.
	DatabaseConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_db_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"}, // acquired, idle
	)

	// NoSubscriberCancellationsTotal counts how many tasks were
	// cancelled because a status-channel publish found zero
	// subscribers (internal/taskcontext).
	NoSubscriberCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_no_subscriber_cancellations_total",
			Help: "Tasks cancelled after a status publish found zero subscribers",
		},
	)
)

// RecordExecution records a completed strategy execution.
func RecordExecution(mode, status string, durationSeconds float64, instanceCount int) {
	ExecutionsTotal.WithLabelValues(mode, status).Inc()
	ExecutionDuration.WithLabelValues(mode).Observe(durationSeconds)
	InstancesEmittedTotal.WithLabelValues(mode).Add(float64(instanceCount))
}
