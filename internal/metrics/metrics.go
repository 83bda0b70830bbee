// Package metrics holds the Prometheus collectors for approxy.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional metrics dependency without branching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approxy"

// Metrics holds all Prometheus metrics for the router and registry.
type Metrics struct {
	connections     *prometheus.CounterVec
	activeSockets   prometheus.Gauge
	connectFailures *prometheus.CounterVec
	parseFailures   prometheus.Counter
	identityLookups *prometheus.CounterVec
	swept           *prometheus.CounterVec
	relayBytes      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Routed client connections by route type.",
		}, []string{"route"}),

		activeSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sockets",
			Help:      "Sockets currently held by the connection registry.",
		}),

		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Outbound connect failures by route type.",
		}, []string{"route"}),

		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Connections dropped because the request line was not recognized.",
		}),

		identityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Application identity lookups by result (hit, resolved, failed).",
		}, []string{"result"}),

		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_sockets_total",
			Help:      "Sockets reaped by the sweeper or idle timers, by reason.",
		}, []string{"reason"}),

		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed between client and outbound legs.",
		}, []string{"direction"}),

		registry: reg,
	}

	reg.MustRegister(
		m.connections,
		m.activeSockets,
		m.connectFailures,
		m.parseFailures,
		m.identityLookups,
		m.swept,
		m.relayBytes,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordConnection(route string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordConnectFailure(route string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *Metrics) RecordIdentityLookup(result string) {
	if m == nil {
		return
	}
	m.identityLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSwept(reason string) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddRelayBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) IncSockets() {
	if m == nil {
		return
	}
	m.activeSockets.Inc()
}

func (m *Metrics) DecSockets() {
	if m == nil {
		return
	}
	m.activeSockets.Dec()
}
