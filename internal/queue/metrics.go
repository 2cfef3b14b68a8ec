package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

type Metrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	enqueued *prometheus.CounterVec
}

// NewMetrics registers the job collectors on reg. A nil reg yields metrics
// that are recorded but never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "jobs_total",
			Help:      "Jobs processed, by queue, type and outcome.",
		}, []string{"queue", "type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookflow",
			Name:      "job_duration_seconds",
			Help:      "Handler run time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"queue", "type"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, by queue and type.",
		}, []string{"queue", "type"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.duration, m.enqueued)
	}
	return m
}
