package websocket

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "peermux_relay"

// Drop reasons reported by the relay.
const (
	dropMalformed   = "malformed"
	dropUnknownPeer = "unknown_target"
	dropUnsupported = "unsupported_action"
	dropRateLimited = "rate_limited"
	dropSendFailed  = "send_failed"
)

// relayMetrics is registered on a private registry so several relays can coexist in
// one process.
type relayMetrics struct {
	registry *prometheus.Registry
	members  *prometheus.GaugeVec
	joins    *prometheus.CounterVec
	relayed  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "members",
			Help:      "Connected members per service.",
		}, []string{"service"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "join_attempts_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes delivered to members, by action.",
		}, []string{"action"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes that were not delivered, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.members, m.joins, m.relayed, m.dropped)
	return m
}

func (m *relayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
