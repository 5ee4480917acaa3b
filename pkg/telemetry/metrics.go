// Package telemetry holds umbra's Prometheus metrics. An isolated
// prometheus.Registry keeps them from colliding with the global
// default registry, and every call site is nil-safe so telemetry is
// strictly optional.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all umbra collectors. Each instance carries its own
// registry; tests create one per case.
type Metrics struct {
	Registry *prometheus.Registry

	// mDNS discovery
	MDNSPacketsTotal    *prometheus.CounterVec
	MDNSPeersDiscovered prometheus.Counter
	MDNSGroupErrors     *prometheus.CounterVec

	// Request/response engine
	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge

	// Throttled wrapper
	ThrottleBlockedTotal    prometheus.Counter
	ThrottleViolationsTotal prometheus.Counter

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. The version is recorded as a label on umbra_info.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MDNSPacketsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbra_mdns_packets_total",
				Help: "mDNS packets observed, by classification.",
			},
			[]string{"kind"},
		),
		MDNSPeersDiscovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "umbra_mdns_peers_discovered_total",
				Help: "Peers reported by mDNS responses.",
			},
		),
		MDNSGroupErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbra_mdns_group_errors_total",
				Help: "Multicast group membership errors, by operation.",
			},
			[]string{"op"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbra_requests_total",
				Help: "Requests processed, by direction and outcome.",
			},
			[]string{"direction", "outcome"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "umbra_requests_in_flight",
				Help: "Outbound requests awaiting a terminal event.",
			},
		),
		ThrottleBlockedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "umbra_throttle_blocked_total",
				Help: "Sends refused because the peer's credit was exhausted.",
			},
		),
		ThrottleViolationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "umbra_throttle_violations_total",
				Help: "Inbound requests beyond the advertised budget.",
			},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "umbra_info",
				Help: "Build information.",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		m.MDNSPacketsTotal,
		m.MDNSPeersDiscovered,
		m.MDNSGroupErrors,
		m.RequestsTotal,
		m.RequestsInFlight,
		m.ThrottleBlockedTotal,
		m.ThrottleViolationsTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version).Set(1)

	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
