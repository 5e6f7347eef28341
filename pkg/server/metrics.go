package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Broadcast metrics
	messagesBroadcast prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	deadPeers         prometheus.Counter

	// Inbound traffic
	messagesReceived *prometheus.CounterVec // by kind
	rejections       *prometheus.CounterVec // by reason
	connRejections   *prometheus.CounterVec // by reason
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opticom_active_sessions",
			Help: "Current number of active sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "opticom_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "opticom_sessions_disconnected_total",
			Help: "Total number of sessions disconnected",
		}),
		messagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "opticom_messages_broadcast_total",
			Help: "Total number of lines broadcast to rooms (unique lines, not deliveries)",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opticom_broadcast_fanout",
			Help:    "Number of sessions that received each broadcast",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opticom_broadcast_duration_seconds",
			Help:    "Time spent persisting and delivering one broadcast",
			Buckets: prometheus.DefBuckets,
		}),
		deadPeers: factory.NewCounter(prometheus.CounterOpts{
			Name: "opticom_dead_peers_total",
			Help: "Sessions dropped because a write to them failed",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opticom_messages_received_total",
			Help: "Messages received from clients by kind",
		}, []string{"kind"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opticom_messages_rejected_total",
			Help: "Chat messages rejected by rate controls",
		}, []string{"reason"}),
		connRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opticom_connections_rejected_total",
			Help: "Connections refused before the handshake",
		}, []string{"reason"}),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordMessageBroadcast increments the broadcast counter
func (m *Metrics) RecordMessageBroadcast() {
	if m == nil {
		return
	}
	m.messagesBroadcast.Inc()
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(seconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(seconds)
}

// RecordDeadPeer increments the dropped-session counter
func (m *Metrics) RecordDeadPeer() {
	if m == nil {
		return
	}
	m.deadPeers.Inc()
}

// RecordMessageReceived increments the received counter for a kind
func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// RecordRejection increments the rejection counter for a rate control error
func (m *Metrics) RecordRejection(err error) {
	if m == nil {
		return
	}
	reason := "other"
	var slow *SlowmodeError
	switch {
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.As(err, &slow):
		reason = "slowmode"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordConnectionRejected increments the refused-connection counter
func (m *Metrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connRejections.WithLabelValues(reason).Inc()
}
