// Package metrics exposes the job lifecycle instrumentation. Metric names
// and label sets are a stable interface consumed by operator dashboards;
// changing them is a breaking change.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OADA/jobs/internal/domain/model"
)

// Gauge states for oada_jobs_total.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailure = "failure"
)

// Jobs holds the per-registry metric handles for one service process.
type Jobs struct {
	// Totals counts jobs by lifecycle state. Terminal states accumulate;
	// queued and running move with the live population.
	Totals *prometheus.GaugeVec
	// Times observes job wall time in seconds from dispatch to filing.
	Times *prometheus.HistogramVec
}

// NewJobs creates and registers the job metrics on reg.
func NewJobs(reg prometheus.Registerer) *Jobs {
	m := &Jobs{
		Totals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oada_jobs_total",
			Help: "Number of jobs by service, type, and lifecycle state.",
		}, []string{
			"service",
			"type",
			"state",
		}),
		Times: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "job_times",
			Help: "Job execution time in seconds by service, type, and terminal status.",
			// 1s to ~6 days in powers of two.
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		}, []string{
			"service",
			"type",
			"status",
		}),
	}
	reg.MustRegister(m.Totals, m.Times)
	return m
}

// InitType materializes every label combination for a job type at zero, so
// dashboards see the series before the first job arrives.
func (m *Jobs) InitType(service, jobType string) {
	for _, state := range []string{StateQueued, StateRunning, StateSuccess, StateFailure} {
		m.Totals.WithLabelValues(service, jobType, state).Add(0)
	}
	for _, status := range []string{StateSuccess, StateFailure} {
		m.Times.WithLabelValues(service, jobType, status)
	}
}

// Queued records a job entering the executor queue.
func (m *Jobs) Queued(service, jobType string) {
	m.Totals.WithLabelValues(service, jobType, StateQueued).Inc()
}

// Running records a Runner picking a job up.
func (m *Jobs) Running(service, jobType string) {
	m.Totals.WithLabelValues(service, jobType, StateRunning).Inc()
}

// Finished records a job reaching a terminal status after seconds of wall
// time. It clears the job from the queued and running populations.
func (m *Jobs) Finished(service, jobType string, status model.JobStatus, seconds float64) {
	m.Totals.WithLabelValues(service, jobType, StateQueued).Dec()
	m.Totals.WithLabelValues(service, jobType, StateRunning).Dec()
	m.Totals.WithLabelValues(service, jobType, string(status)).Inc()
	m.Times.WithLabelValues(service, jobType, string(status)).Observe(seconds)
}

// Handler serves a registry over HTTP in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
