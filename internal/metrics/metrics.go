// Package metrics exposes Prometheus metrics for lifecycle job runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alexander_lifecycle"

// Metrics holds all Prometheus metrics of the lifecycle engine.
type Metrics struct {
	// Job run metrics
	JobRuns        *prometheus.CounterVec   // alexander_lifecycle_job_runs_total{job,outcome}
	JobDuration    *prometheus.HistogramVec // alexander_lifecycle_job_duration_seconds{job}
	JobErrors      *prometheus.CounterVec   // alexander_lifecycle_job_errors_total{job}
	JobLastRunTime *prometheus.GaugeVec     // alexander_lifecycle_job_last_run_timestamp_seconds{job}

	// Track metrics
	NodesArchived     prometheus.Counter
	NodesRestored     prometheus.Counter
	NodesCompressed   prometheus.Counter
	NodesUncompressed prometheus.Counter
	BlobsReaped       prometheus.Counter
	BytesReclaimed    *prometheus.CounterVec // alexander_lifecycle_bytes_reclaimed_total{job}
}

// NewMetrics registers every metric on registry.
// A nil registry falls back to the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total lifecycle job runs by job and outcome",
		}, []string{"job", "outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Lifecycle job run duration in seconds",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600, 4 * 3600},
		}, []string{"job"}),

		JobErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Items a lifecycle job failed to process",
		}, []string{"job"}),

		JobLastRunTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_run_timestamp_seconds",
			Help:      "Unix time the job last finished a run",
		}, []string{"job"}),

		NodesArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_total",
			Help:      "Blobs moved onto the archive track",
		}),

		NodesRestored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restored_total",
			Help:      "Blobs restored from the archive tier",
		}),

		NodesCompressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressed_total",
			Help:      "Blobs replaced by a delta against a base blob",
		}),

		NodesUncompressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncompressed_total",
			Help:      "Blobs rebuilt from their delta",
		}),

		BlobsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_reaped_total",
			Help:      "Orphan blobs deleted by the reference cleanup job",
		}),

		BytesReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_reclaimed_total",
			Help:      "Primary storage bytes freed by job",
		}, []string{"job"}),
	}
}

// RunStats is what a job run reports to RecordJobRun.
type RunStats struct {
	Job            string
	Outcome        string
	Duration       time.Duration
	Archived       int
	Restored       int
	Compressed     int
	Uncompressed   int
	Reaped         int
	Errors         int
	BytesReclaimed int64
}

// RecordJobRun records the outcome of a single job run.
func (m *Metrics) RecordJobRun(s RunStats) {
	m.JobRuns.WithLabelValues(s.Job, s.Outcome).Inc()
	m.JobDuration.WithLabelValues(s.Job).Observe(s.Duration.Seconds())
	m.JobLastRunTime.WithLabelValues(s.Job).SetToCurrentTime()

	if s.Errors > 0 {
		m.JobErrors.WithLabelValues(s.Job).Add(float64(s.Errors))
	}
	if s.BytesReclaimed > 0 {
		m.BytesReclaimed.WithLabelValues(s.Job).Add(float64(s.BytesReclaimed))
	}
	m.NodesArchived.Add(float64(s.Archived))
	m.NodesRestored.Add(float64(s.Restored))
	m.NodesCompressed.Add(float64(s.Compressed))
	m.NodesUncompressed.Add(float64(s.Uncompressed))
	m.BlobsReaped.Add(float64(s.Reaped))
}
