// Package metrics holds the broker's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can run unobserved in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one registry plus the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	Reconnects      *prometheus.CounterVec
	Subscriptions   prometheus.Gauge
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	WSConnections   prometheus.Gauge
}

// New builds a Metrics on a private registry with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_requests_total",
				Help: "Broker requests by action and result code",
			},
			[]string{"action", "result"},
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visor_ship_sessions_active",
			Help: "Live ship sessions",
		}),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visor_ship_reconnects_total",
				Help: "Reconnect attempts by outcome",
			},
			[]string{"result"},
		),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visor_subscriptions_active",
			Help: "Local subscriptions across all ships",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visor_events_delivered_total",
			Help: "Ship events delivered to consumers",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visor_events_dropped_total",
			Help: "Ship events a consumer could not accept",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visor_ws_connections",
			Help: "Open consumer websocket connections",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.SessionsActive,
		m.Reconnects,
		m.Subscriptions,
		m.EventsDelivered,
		m.EventsDropped,
		m.WSConnections,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveRequest(action, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) Reconnect(result string) {
	if m != nil {
		m.Reconnects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SubscriptionsDelta(n int) {
	if m != nil {
		m.Subscriptions.Add(float64(n))
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.EventsDelivered.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) WSOpened() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

func (m *Metrics) WSClosed() {
	if m != nil {
		m.WSConnections.Dec()
	}
}
