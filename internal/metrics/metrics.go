// Package metrics registers the engine's prometheus collectors. The web
// server exposes them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set groups the engine's collectors so tests can build isolated registries.
type Set struct {
	JobsRunning       prometheus.Gauge
	JobsTotal         *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	ArtifactsExpired  prometheus.Counter
	ExternalPolls     prometheus.Counter
	JobDurationSecond prometheus.Histogram
}

// New registers a Set with the given registerer.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_jobs_running",
			Help: "Number of jobs currently executing.",
		}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_jobs_total",
			Help: "Jobs reaching a terminal state, by state.",
		}, []string{"state"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_retries_total",
			Help: "Automatic retry attempts issued.",
		}),
		ArtifactsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_artifacts_expired_total",
			Help: "Artifacts removed by expiry sweeps.",
		}),
		ExternalPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_external_polls_total",
			Help: "Poll attempts against external pipelines.",
		}),
		JobDurationSecond: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_job_duration_seconds",
			Help:    "Wall-clock duration of job attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Default registers a Set with the process-wide default registry.
func Default() *Set {
	return New(prometheus.DefaultRegisterer)
}

// ObserveJob records one terminal job outcome.
func (s *Set) ObserveJob(state string, duration time.Duration) {
	if s == nil {
		return
	}
	s.JobsTotal.WithLabelValues(state).Inc()
	if duration > 0 {
		s.JobDurationSecond.Observe(duration.Seconds())
	}
}
