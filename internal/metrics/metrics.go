// Package metrics defines the Prometheus collectors for the job pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "changeanyfile"

// Metrics groups the collectors. A nil *Metrics is not valid; use New or Discard.
type Metrics struct {
	JobsCreated         prometheus.Counter
	JobsFinished        *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	JobsInFlight        prometheus.Gauge
	QueueRejected       prometheus.Counter
	FailureRecordErrors prometheus.Counter
	ArtifactsReclaimed  prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs accepted and queued.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from worker pickup to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed by a worker.",
		}),
		QueueRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Job creations rejected because the scheduler was at capacity.",
		}),
		FailureRecordErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_record_errors_total",
			Help:      "Jobs whose failed status could not be persisted after all attempts.",
		}),
		ArtifactsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_reclaimed_total",
			Help:      "Orphaned processed artifacts removed by the reconciler.",
		}),
	}
}

// Discard returns collectors registered nowhere, for tests and the admin CLI.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
