// Package metrics provides Prometheus metrics for iway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "iway"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Connection metrics
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsClosed   *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	AuthResults         *prometheus.CounterVec
	Commands            *prometheus.CounterVec

	// TCP relay metrics
	RelaysActive *prometheus.GaugeVec
	RelayBytes   *prometheus.CounterVec
	DialDuration prometheus.Histogram
	DialErrors   prometheus.Counter

	// UDP metrics
	UDPSessionsActive    prometheus.Gauge
	UDPSessionsClosed    *prometheus.CounterVec
	UDPPackets           *prometheus.CounterVec
	UDPBytes             *prometheus.CounterVec
	FragmentsReassembled prometheus.Counter
	FragmentsDropped     *prometheus.CounterVec

	// Liveness metrics
	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter

	// Resolver metrics
	DNSLookups *prometheus.CounterVec
	DNSLatency prometheus.Histogram

	// Trojan metrics
	TrojanRequests *prometheus.CounterVec

	Panics *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections",
		}, []string{"protocol"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}, []string{"protocol"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total client connections closed by reason",
		}, []string{"protocol", "reason"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total client connections rejected before handling",
		}, []string{"protocol", "reason"}),
		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication attempts by result",
		}, []string{"protocol", "result"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Decoded commands by type and channel",
		}, []string{"command", "channel"}),

		RelaysActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_relays_active",
			Help:      "Number of active TCP relays",
		}, []string{"protocol"}),
		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_relay_bytes_total",
			Help:      "Bytes relayed over TCP by direction",
		}, []string{"protocol", "direction"}),
		DialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tcp_dial_duration_seconds",
			Help:      "Histogram of outbound TCP dial latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_dial_errors_total",
			Help:      "Total failed outbound TCP dials",
		}),

		UDPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of active UDP relay sessions",
		}),
		UDPSessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_closed_total",
			Help:      "Total UDP relay sessions closed by reason",
		}, []string{"reason"}),
		UDPPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_total",
			Help:      "UDP packets relayed by direction",
		}, []string{"direction"}),
		UDPBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bytes_total",
			Help:      "UDP payload bytes relayed by direction",
		}, []string{"direction"}),
		FragmentsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_reassembled_total",
			Help:      "Total fragmented packets reassembled and forwarded",
		}),
		FragmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_dropped_total",
			Help:      "Fragment buffers discarded by reason",
		}, []string{"reason"}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeats sent to clients",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeats received from clients",
		}),

		DNSLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "Hostname lookups by result",
		}, []string{"result"}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_lookup_duration_seconds",
			Help:      "Histogram of uncached hostname lookup latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		TrojanRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trojan_requests_total",
			Help:      "Trojan requests by outcome",
		}, []string{"outcome"}),

		Panics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Panics recovered in server goroutines",
		}, []string{"goroutine"}),
	}
}

// Connection metrics helpers

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(protocol string) {
	m.ConnectionsActive.WithLabelValues(protocol).Inc()
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a connection teardown.
func (m *Metrics) ConnectionClosed(protocol, reason string) {
	m.ConnectionsActive.WithLabelValues(protocol).Dec()
	m.ConnectionsClosed.WithLabelValues(protocol, reason).Inc()
}

// ConnectionRejected records a connection refused before a handler was started.
func (m *Metrics) ConnectionRejected(protocol, reason string) {
	m.ConnectionsRejected.WithLabelValues(protocol, reason).Inc()
}

// RecordAuth records an authentication outcome.
func (m *Metrics) RecordAuth(protocol string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthResults.WithLabelValues(protocol, result).Inc()
}

// RecordCommand records a decoded command.
func (m *Metrics) RecordCommand(command, channel string) {
	m.Commands.WithLabelValues(command, channel).Inc()
}

// TCP relay helpers

// RelayStarted records a relay entering its copy phase.
func (m *Metrics) RelayStarted(protocol string) {
	m.RelaysActive.WithLabelValues(protocol).Inc()
}

// RelayFinished records a finished relay and its byte counts.
func (m *Metrics) RelayFinished(protocol string, up, down int64) {
	m.RelaysActive.WithLabelValues(protocol).Dec()
	m.RelayBytes.WithLabelValues(protocol, "up").Add(float64(up))
	m.RelayBytes.WithLabelValues(protocol, "down").Add(float64(down))
}

// RecordDial records an outbound dial attempt.
func (m *Metrics) RecordDial(latencySeconds float64, err error) {
	m.DialDuration.Observe(latencySeconds)
	if err != nil {
		m.DialErrors.Inc()
	}
}

// UDP helpers

// UDPSessionOpened records a new UDP session.
func (m *Metrics) UDPSessionOpened() {
	m.UDPSessionsActive.Inc()
}

// UDPSessionClosed records a destroyed UDP session.
func (m *Metrics) UDPSessionClosed(reason string) {
	m.UDPSessionsActive.Dec()
	m.UDPSessionsClosed.WithLabelValues(reason).Inc()
}

// RecordUDPPacket records one relayed datagram. Direction is "up" toward the
// destination or "down" toward the client.
func (m *Metrics) RecordUDPPacket(direction string, bytes int) {
	m.UDPPackets.WithLabelValues(direction).Inc()
	m.UDPBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordReassembled records a completed fragment buffer.
func (m *Metrics) RecordReassembled() {
	m.FragmentsReassembled.Inc()
}

// RecordFragmentDrop records a discarded fragment buffer.
func (m *Metrics) RecordFragmentDrop(reason string) {
	m.FragmentsDropped.WithLabelValues(reason).Inc()
}

// Liveness helpers

// RecordHeartbeatSent records a heartbeat sent to a client.
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatReceived records a heartbeat received from a client.
func (m *Metrics) RecordHeartbeatReceived() {
	m.HeartbeatsReceived.Inc()
}

// RecordDNS records a hostname lookup. Cached hits do not observe latency.
func (m *Metrics) RecordDNS(result string, latencySeconds float64) {
	m.DNSLookups.WithLabelValues(result).Inc()
	if result != "cached" {
		m.DNSLatency.Observe(latencySeconds)
	}
}

// RecordTrojan records a trojan request outcome.
func (m *Metrics) RecordTrojan(outcome string) {
	m.TrojanRequests.WithLabelValues(outcome).Inc()
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic(goroutine string) {
	m.Panics.WithLabelValues(goroutine).Inc()
}
