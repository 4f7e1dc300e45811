// Package metrics exposes Prometheus counters for agreement tasks, curation builds and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace         = "concord"
	SubsystemTasks    = "agreement"
	SubsystemCuration = "curation"
	SubsystemHTTP     = "http"
)

type Metrics struct {
	registry *prometheus.Registry

	documents   *prometheus.CounterVec
	comparisons *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	merges      *prometheus.CounterVec
	apiTime     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.documents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemTasks,
		Name:      "documents_total",
		Help:      "Documents visited by agreement tasks, by outcome.",
	}, []string{"task", "outcome"})
	m.registry.MustRegister(m.documents)

	m.comparisons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemTasks,
		Name:      "comparisons_total",
		Help:      "Agreement measure evaluations, memoized ones included.",
	}, []string{"task", "memoized"})
	m.registry.MustRegister(m.comparisons)

	m.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemTasks,
		Name:      "tasks_total",
		Help:      "Finished agreement tasks by terminal state.",
	}, []string{"task", "state"})
	m.registry.MustRegister(m.tasks)

	m.merges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemCuration,
		Name:      "merges_total",
		Help:      "Curation view opens by outcome.",
	}, []string{"outcome"})
	m.registry.MustRegister(m.merges)

	m.apiTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: SubsystemHTTP,
		Name:      "time_seconds",
		Help:      "Time to execute the api handler.",
	}, []string{"route", "method", "status_code"})
	m.registry.MustRegister(m.apiTime)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDocument(task, outcome string) {
	m.documents.WithLabelValues(task, outcome).Inc()
}

func (m *Metrics) ObserveComparison(task string, memoized bool) {
	label := "false"
	if memoized {
		label = "true"
	}
	m.comparisons.WithLabelValues(task, label).Inc()
}

func (m *Metrics) ObserveTask(task, state string) {
	m.tasks.WithLabelValues(task, state).Inc()
}

func (m *Metrics) ObserveMerge(outcome string) {
	m.merges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAPI(route, method, statusCode string, elapsed float64) {
	m.apiTime.WithLabelValues(route, method, statusCode).Observe(elapsed)
}
