// Package metrics exposes engine and gateway counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatflow"

// Metrics is the collector set. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	steps              *prometheus.CounterVec
	loopGuardTrips     prometheus.Counter
	integrationLatency *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started, by definition.",
		}, []string{"definition_id"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"definition_id", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Node evaluations, by node type.",
		}, []string{"node_type"}),
		loopGuardTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_guard_trips_total",
			Help:      "Executions failed by the step limit.",
		}),
		integrationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "integration_call_seconds",
			Help:      "Integration call latency, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability", "outcome"}),
	}
	m.registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.steps,
		m.loopGuardTrips,
		m.integrationLatency,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ExecutionStarted(definitionID string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) ExecutionFinished(definitionID, status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(definitionID, status).Inc()
}

func (m *Metrics) Step(nodeType string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) LoopGuardTripped() {
	if m == nil {
		return
	}
	m.loopGuardTrips.Inc()
}

// ObserveIntegration satisfies gateway.Observer.
func (m *Metrics) ObserveIntegration(capability, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.integrationLatency.WithLabelValues(capability, outcome).Observe(elapsed.Seconds())
}
