// Package metrics exposes Prometheus collectors for condition decisions,
// traversal runs and scheduled runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowtree/pkg/schema"
)

const namespace = "flowtree"

// Metrics implements expressions.Observer and traversal.Observer. Each
// instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	conditions    *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runSteps      prometheus.Histogram
	runDuration   prometheus.Histogram
	scheduledRuns *prometheus.CounterVec
}

// New creates and registers the flowtree collectors together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conditions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_evaluations_total",
			Help:      "Branch condition decisions by condition kind and result.",
		}, []string{"kind", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed traversals by outcome.",
		}, []string{"outcome"}),
		runSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_steps",
			Help:      "Number of nodes visited per traversal.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Traversal wall time, including external condition calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		scheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Runs started by the scheduler, by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.conditions, m.runs, m.runSteps, m.runDuration, m.scheduledRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCondition records one branch decision.
func (m *Metrics) ObserveCondition(kind string, result bool) {
	m.conditions.WithLabelValues(kind, strconv.FormatBool(result)).Inc()
}

// ObserveRun records a finished traversal.
func (m *Metrics) ObserveRun(outcome schema.Outcome, steps int, d time.Duration) {
	m.runs.WithLabelValues(string(outcome)).Inc()
	m.runSteps.Observe(float64(steps))
	m.runDuration.Observe(d.Seconds())
}

// ObserveScheduledRun records a scheduler-triggered run. status is the
// outcome, or "error" when the run could not complete.
func (m *Metrics) ObserveScheduledRun(status string) {
	m.scheduledRuns.WithLabelValues(status).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
