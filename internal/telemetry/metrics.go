// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for decision calls.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskgate"

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	decisions        *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	riskScore        *prometheus.HistogramVec
	pipelineFailures *prometheus.CounterVec
	incidents        prometheus.Counter
}

// NewMetrics registers every collector, plus the Go and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by component and outcome.",
		}, []string{"component", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing a decision.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"component"}),
		riskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of risk scores.",
			Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}, []string{"component"}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Failed pipeline runs by pipeline and stage.",
		}, []string{"pipeline", "stage"}),
		incidents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Threat incidents opened.",
		}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.duration,
		m.riskScore,
		m.pipelineFailures,
		m.incidents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDecision records one decision.
func (m *Metrics) ObserveDecision(component, outcome string, score float64, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(component, outcome).Inc()
	m.duration.WithLabelValues(component).Observe(took.Seconds())
	m.riskScore.WithLabelValues(component).Observe(score)
}

// PipelineFailure counts a failed run.
func (m *Metrics) PipelineFailure(pipeline, stage string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(pipeline, stage).Inc()
}

// Incident counts an opened incident.
func (m *Metrics) Incident() {
	if m == nil {
		return
	}
	m.incidents.Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
