package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each server instance
// owns its own registry so multiple servers can coexist in one process
// (integration tests boot several).
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	boundIdentities   prometheus.Gauge
	connectionsTotal  prometheus.Counter

	messagesReceived *prometheus.CounterVec // by envelope type
	messagesSent     *prometheus.CounterVec // by envelope type
	framesDropped    prometheus.Counter
	sendQueueDrops   prometheus.Counter

	broadcastFanout prometheus.Histogram
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_connections",
			Help: "Current number of open connections",
		}),
		boundIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_bound_identities",
			Help: "Current number of logged-in identities",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_connections_total",
			Help: "Total number of accepted connections",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_received_total",
			Help: "Total number of envelopes received from clients by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_sent_total",
			Help: "Total number of envelopes sent to clients by type",
		}, []string{"type"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_frames_dropped_total",
			Help: "Total number of malformed or unrecognized frames dropped",
		}),
		sendQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_send_queue_drops_total",
			Help: "Total number of connections dropped due to a full send queue",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaychat_broadcast_fanout",
			Help:    "Number of connections that received each fan-out envelope",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

// Handler returns an HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActiveConnections updates the open connection gauge.
func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// RecordBoundIdentities updates the logged-in identity gauge.
func (m *Metrics) RecordBoundIdentities(count int) {
	m.boundIdentities.Set(float64(count))
}

// RecordConnectionAccepted increments the accepted connection counter.
func (m *Metrics) RecordConnectionAccepted() {
	m.connectionsTotal.Inc()
}

// RecordMessageReceived increments the received counter for an envelope type.
func (m *Metrics) RecordMessageReceived(envelopeType string) {
	m.messagesReceived.WithLabelValues(envelopeType).Inc()
}

// RecordMessageSent increments the sent counter for an envelope type.
func (m *Metrics) RecordMessageSent(envelopeType string) {
	m.messagesSent.WithLabelValues(envelopeType).Inc()
}

// RecordFrameDropped increments the malformed-frame counter.
func (m *Metrics) RecordFrameDropped() {
	m.framesDropped.Inc()
}

// RecordSendQueueDrop increments the slow-consumer drop counter.
func (m *Metrics) RecordSendQueueDrop() {
	m.sendQueueDrops.Inc()
}

// RecordBroadcastFanout records how many connections received a fan-out.
func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}
