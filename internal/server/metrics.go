package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by relay_envelopes_dropped_total.
const (
	dropMalformed       = "malformed"
	dropUnauthenticated = "unauthenticated"
	dropSpoofed         = "spoofed_sender"
	dropUnroutable      = "unroutable"
	dropGroup           = "group_resolve"
	dropRateLimited     = "rate_limited"
)

type relayMetrics struct {
	connections  prometheus.Gauge
	online       prometheus.Gauge
	auths        *prometheus.CounterVec
	received     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open WebSocket connections, authenticated or not.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_identities_online",
			Help: "Identities currently reachable through the registry.",
		}),
		auths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_total",
			Help: "Auth envelopes grouped by outcome.",
		}, []string{"result"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_received_total",
			Help: "Decoded envelopes received, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_dropped_total",
			Help: "Inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Envelopes queued to target connections.",
		}, []string{"kind", "echo"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Per-target delivery failures, by cause.",
		}, []string{"cause"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_route_latency_seconds",
			Help:    "Time to route and enqueue one envelope.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.connections,
		m.online,
		m.auths,
		m.received,
		m.dropped,
		m.delivered,
		m.sendFailures,
		m.routeLatency,
	)
	return m
}

func (m *relayMetrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *relayMetrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *relayMetrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *relayMetrics) recordAuth(result string) {
	if m == nil {
		return
	}
	m.auths.WithLabelValues(result).Inc()
}

func (m *relayMetrics) recordReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *relayMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordDelivery(kind string, echo bool) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind, strconv.FormatBool(echo)).Inc()
}

func (m *relayMetrics) recordSendFailure(cause string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(cause).Inc()
}

func (m *relayMetrics) observeRoute(kind string, dur time.Duration) {
	if m == nil {
		return
	}
	m.routeLatency.WithLabelValues(kind).Observe(dur.Seconds())
}
