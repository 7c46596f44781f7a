// Package metrics provides Prometheus metrics for the pipeline engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	JobsTotal         *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
	SelfHealAttempts  prometheus.Counter
	EventsAppended    *prometheus.CounterVec
	ActiveWorkspaces  prometheus.Gauge
	DeadLettersTotal  prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Total number of queue jobs by type and outcome.",
			},
			[]string{"job_type", "outcome"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_phase_duration_seconds",
				Help:    "Phase execution duration by phase name.",
				Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
			},
			[]string{"phase"},
		),
		SelfHealAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_self_heal_attempts_total",
				Help: "Total self-heal attempts across all slice builds.",
			},
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_appended_total",
				Help: "Total agent events appended by event type.",
			},
			[]string{"event_type"},
		),
		ActiveWorkspaces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workspaces",
				Help: "Number of workspaces currently tracked in the arena.",
			},
		),
		DeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_dead_letters_total",
				Help: "Total jobs moved to the dead letter table.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.JobsTotal)
	reg.MustRegister(m.PhaseDuration)
	reg.MustRegister(m.SelfHealAttempts)
	reg.MustRegister(m.EventsAppended)
	reg.MustRegister(m.ActiveWorkspaces)
	reg.MustRegister(m.DeadLettersTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJob increments the job counter.
func (m *Metrics) RecordJob(jobType, outcome string) {
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObservePhase records phase duration.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordEvent increments the event counter.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
