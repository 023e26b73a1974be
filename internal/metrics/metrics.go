// Package metrics provides Prometheus metrics for the vlessproxy daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vlessproxy"

// Metrics contains all Prometheus metrics exposed by the daemon.
type Metrics struct {
	// SOCKS5 inbound metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// UDP association metrics
	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter

	// VLESS outbound metrics
	OutboundDialsTotal  *prometheus.CounterVec
	OutboundDialErrors  *prometheus.CounterVec
	OutboundDialLatency prometheus.Histogram

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// useful for isolated testing.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 connections accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 CONNECT request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active SOCKS5 UDP associations",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total SOCKS5 UDP associations created",
		}),

		OutboundDialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dials_total",
			Help:      "Total VLESS outbound dial attempts by network",
		}, []string{"network"}),
		OutboundDialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dial_errors_total",
			Help:      "Total VLESS outbound dial failures by network",
		}, []string{"network"}),
		OutboundDialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_dial_latency_seconds",
			Help:      "Histogram of VLESS outbound dial latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes relayed from SOCKS5 clients to the VLESS remote",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes relayed from the VLESS remote to SOCKS5 clients",
		}),
	}
}

// RecordSOCKS5Connect records a new inbound SOCKS5 connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records an inbound SOCKS5 connection closing.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5AuthFailure records a failed SOCKS5 authentication attempt.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordSOCKS5Latency records CONNECT request latency in seconds.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}

// RecordUDPAssociationOpen records a new UDP association.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP association closing.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordOutboundDial records a VLESS outbound dial attempt and its latency.
func (m *Metrics) RecordOutboundDial(network string, latencySeconds float64, err error) {
	m.OutboundDialsTotal.WithLabelValues(network).Inc()
	m.OutboundDialLatency.Observe(latencySeconds)
	if err != nil {
		m.OutboundDialErrors.WithLabelValues(network).Inc()
	}
}

// RecordBytesSent adds n to the bytes-sent counter.
func (m *Metrics) RecordBytesSent(n int) {
	m.BytesSent.Add(float64(n))
}

// RecordBytesReceived adds n to the bytes-received counter.
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}
