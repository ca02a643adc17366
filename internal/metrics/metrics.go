// Package metrics holds the Prometheus collectors for the revision engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "revline"

type Metrics struct {
	Registry        *prometheus.Registry
	Transitions     *prometheus.CounterVec
	LedgerMutations *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	Remaining       *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
}

// New builds a private registry with the engine collectors plus the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions committed, by entity and target status.",
		}, []string{"entity", "to"}),
		LedgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Revision budget mutations, by operation.",
		}, []string{"op"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handed to sinks, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		Remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_modifications",
			Help:      "Remaining revision budget per project after the last mutation.",
		}, []string{"project_id"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests served, by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
	}
	m.Registry.MustRegister(
		m.Transitions,
		m.LedgerMutations,
		m.Notifications,
		m.Remaining,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveTransition(entity, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) ObserveLedger(op, projectID string, remaining int) {
	if m == nil {
		return
	}
	m.LedgerMutations.WithLabelValues(op).Inc()
	m.Remaining.WithLabelValues(projectID).Set(float64(remaining))
}

func (m *Metrics) ObserveNotification(eventType, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
