// Package metrics holds the Prometheus instrumentation for the evaluation
// engine.
//
// Collectors are registered on an explicit Registerer so that tests and
// embedders never share the process-wide default registry. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "policyengine"

// Metrics records evaluation lifecycle events.
type Metrics struct {
	submitted   prometheus.Counter
	refused     prometheus.Counter
	updates     *prometheus.CounterVec
	terminal    *prometheus.CounterVec
	abandoned   prometheus.Counter
	recovered   prometheus.Counter
	queueDepth  prometheus.Gauge
	persistErrs prometheus.Counter
}

// New creates the collectors and registers them on reg.
// A nil reg uses a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_submitted_total",
			Help:      "Evaluations admitted in the submitted status",
		}),
		refused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_refused_total",
			Help:      "Requests that failed validation and were never admitted",
		}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_updates_total",
			Help:      "Step reports received, by how they were handled",
		}, []string{"result"}),
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_terminal_total",
			Help:      "Evaluations that reached a terminal status",
		}, []string{"status"}),
		abandoned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_abandoned_total",
			Help:      "Evaluations abandoned before reaching a terminal status",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_recovered_total",
			Help:      "Evaluations rebuilt from the store",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_queue_depth",
			Help:      "Events waiting in the intake queue",
		}),
		persistErrs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Store writes that failed",
		}),
	}
}

// Submitted counts one admitted evaluation.
func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// Refused counts one request that failed validation.
func (m *Metrics) Refused() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

// Update counts one step report by result (applied, audit, rejected).
func (m *Metrics) Update(result string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(result).Inc()
}

// Terminal counts one evaluation reaching status.
func (m *Metrics) Terminal(status string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status).Inc()
}

// Abandoned counts one abandonment.
func (m *Metrics) Abandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

// Recovered counts n evaluations rebuilt from the store.
func (m *Metrics) Recovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

// QueueDepth sets the intake queue length.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// PersistError counts one failed store write.
func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrs.Inc()
}
