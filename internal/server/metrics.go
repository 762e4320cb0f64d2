package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricSet holds the control plane's Prometheus instruments on a private
// registry so tests can build multiple servers without collisions.
type metricSet struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	eventsOut          *prometheus.CounterVec
	claimsAcquired     prometheus.Counter
	sessionsRegistered prometheus.Counter
	sseClients         prometheus.Gauge
	wsClients          prometheus.Gauge
}

func newMetricSet() *metricSet {
	reg := prometheus.NewRegistry()
	m := &metricSet{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknerd_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknerd_events_streamed_total",
			Help: "Events delivered to SSE clients, by kind.",
		}, []string{"kind"}),
		claimsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasknerd_claims_acquired_total",
			Help: "Task claims granted through the API.",
		}),
		sessionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasknerd_sessions_registered_total",
			Help: "Sessions registered through the API.",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasknerd_sse_clients",
			Help: "Currently connected SSE clients.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasknerd_ws_clients",
			Help: "Currently connected WebSocket fleet clients.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.eventsOut,
		m.claimsAcquired,
		m.sessionsRegistered,
		m.sseClients,
		m.wsClients,
	)
	return m
}

func (m *metricSet) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
