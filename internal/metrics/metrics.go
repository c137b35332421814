// Package metrics registers the Prometheus instruments of the queue core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldq_jobs_claimed_total",
		Help: "Jobs claimed by the dequeue loop.",
	}, []string{"type"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldq_jobs_finished_total",
		Help: "Jobs that reached a terminal state.",
	}, []string{"type", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldq_job_duration_seconds",
		Help:    "Wall-clock duration of worker runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"type"})

	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldq_orphan_workers_reaped_total",
		Help: "Orphaned worker containers cleaned up by the reaper.",
	})

	DeltasByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldq_deltas_total",
		Help: "Deltas that reached a terminal status.",
	}, []string{"status"})

	DequeueIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldq_dequeue_iterations_total",
		Help: "Dequeue loop iterations, including empty ones.",
	})
)
