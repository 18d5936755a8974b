// Package metrics provides Prometheus metrics for udpshare.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpshare"
)

// Metrics contains all Prometheus metrics for the registry and endpoints.
type Metrics struct {
	// Socket registry metrics
	SocketsActive   prometheus.Gauge
	SocketsCreated  prometheus.Counter
	SocketsReused   prometheus.Counter
	SocketsClosed   prometheus.Counter
	Rebinds         prometheus.Counter
	BindErrors      *prometheus.CounterVec
	MulticastErrors *prometheus.CounterVec

	// Datagram metrics
	DatagramsReceived *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	SendLatency       prometheus.Histogram
	ValidationDrops   *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleEvents *prometheus.CounterVec
	ReceiveFailures *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
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

	m := &Metrics{
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Number of sockets currently registered",
		}),
		SocketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_created_total",
			Help:      "Total number of sockets created by the registry",
		}),
		SocketsReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_reused_total",
			Help:      "Total number of acquisitions served by an existing socket",
		}),
		SocketsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_closed_total",
			Help:      "Total number of registered sockets closed",
		}),
		Rebinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebinds_total",
			Help:      "Total number of sockets replaced by a rebind",
		}),
		BindErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_errors_total",
			Help:      "Total bind failures by reason",
		}, []string{"reason"}),
		MulticastErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multicast_errors_total",
			Help:      "Total multicast setup failures by reason",
		}, []string{"reason"}),

		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams delivered by inbound endpoints",
		}, []string{"endpoint"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes delivered by inbound endpoints",
		}, []string{"endpoint"}),
		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent by outbound endpoints",
		}, []string{"endpoint"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by outbound endpoints",
		}, []string{"endpoint"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total failed sends by endpoint",
		}, []string{"endpoint"}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Histogram of datagram send latency including pacing",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		ValidationDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_drops_total",
			Help:      "Total outbound requests dropped by validation",
		}, []string{"endpoint", "field"}),

		LifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Total lifecycle events published by type",
		}, []string{"type"}),
		ReceiveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_failures_total",
			Help:      "Total fatal receive errors seen by inbound endpoints",
		}, []string{"endpoint"}),
	}

	return m
}

// RecordSocketCreated records a new registered socket.
func (m *Metrics) RecordSocketCreated() {
	m.SocketsActive.Inc()
	m.SocketsCreated.Inc()
}

// RecordSocketReused records an acquisition served by an existing socket.
func (m *Metrics) RecordSocketReused() {
	m.SocketsReused.Inc()
}

// RecordSocketClosed records a registered socket being removed.
func (m *Metrics) RecordSocketClosed() {
	m.SocketsActive.Dec()
	m.SocketsClosed.Inc()
}

// RecordRebind records a socket replaced in place.
func (m *Metrics) RecordRebind() {
	m.Rebinds.Inc()
	m.SocketsCreated.Inc()
	m.SocketsClosed.Inc()
}

// RecordBindError records a bind failure. reason is "permission" or "bind".
func (m *Metrics) RecordBindError(reason string) {
	m.BindErrors.WithLabelValues(reason).Inc()
}

// RecordMulticastError records a multicast setup failure.
func (m *Metrics) RecordMulticastError(reason string) {
	m.MulticastErrors.WithLabelValues(reason).Inc()
}

// RecordReceive records a datagram delivered by an inbound endpoint.
func (m *Metrics) RecordReceive(endpoint string, bytes int) {
	m.DatagramsReceived.WithLabelValues(endpoint).Inc()
	m.BytesReceived.WithLabelValues(endpoint).Add(float64(bytes))
}

// RecordReceiveFailure records a fatal receive error.
func (m *Metrics) RecordReceiveFailure(endpoint string) {
	m.ReceiveFailures.WithLabelValues(endpoint).Inc()
}

// RecordSend records a successful send.
func (m *Metrics) RecordSend(endpoint string, bytes int, latencySeconds float64) {
	m.DatagramsSent.WithLabelValues(endpoint).Inc()
	m.BytesSent.WithLabelValues(endpoint).Add(float64(bytes))
	m.SendLatency.Observe(latencySeconds)
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(endpoint string) {
	m.SendErrors.WithLabelValues(endpoint).Inc()
}

// RecordValidationDrop records a request dropped before sending.
func (m *Metrics) RecordValidationDrop(endpoint, field string) {
	m.ValidationDrops.WithLabelValues(endpoint, field).Inc()
}

// RecordLifecycleEvent records a published lifecycle event.
func (m *Metrics) RecordLifecycleEvent(eventType string) {
	m.LifecycleEvents.WithLabelValues(eventType).Inc()
}
