// Package metrics provides Prometheus metrics for anonchat.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "anonchat"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Peer discovery metrics
	PeersActive    prometheus.Gauge
	PeersSeenTotal prometheus.Counter
	PeerTimeouts   prometheus.Counter

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FrameDropped   *prometheus.CounterVec

	// Message metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	DecryptErrors    prometheus.Counter

	// Room metrics
	RoomsOwned      prometheus.Gauge
	RoomsJoined     prometheus.Gauge
	RoomJoinResults *prometheus.CounterVec
	RoomMembers     prometheus.Gauge

	// Protocol latency
	DiscoveryRTT prometheus.Histogram
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
		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Number of peers currently within discovery timeout",
		}),
		PeersSeenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_seen_total",
			Help:      "Total number of distinct peers seen since startup",
		}),
		PeerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_timeouts_total",
			Help:      "Total number of peers evicted for going silent",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total discovery/chat frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total discovery/chat frames received by type",
		}, []string{"frame_type"}),
		FrameDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by reason",
		}, []string{"reason"}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total chat messages sent",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total chat messages received and decrypted",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total chat messages dropped by reason",
		}, []string{"reason"}),
		DecryptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_errors_total",
			Help:      "Total message decryption failures",
		}),

		RoomsOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_owned",
			Help:      "Number of rooms owned by this peer",
		}),
		RoomsJoined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_joined",
			Help:      "Number of rooms this peer is currently a member of",
		}),
		RoomJoinResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_join_results_total",
			Help:      "Total room join attempts by outcome",
		}, []string{"outcome"}),
		RoomMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Total members across all rooms owned by this peer",
		}),

		DiscoveryRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_rtt_seconds",
			Help:      "Histogram of GM/GM_ACK round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	return m
}

// RecordPeerSeen records a newly discovered peer.
func (m *Metrics) RecordPeerSeen() {
	m.PeersActive.Inc()
	m.PeersSeenTotal.Inc()
}

// RecordPeerTimeout records a peer being evicted for going silent.
func (m *Metrics) RecordPeerTimeout() {
	m.PeersActive.Dec()
	m.PeerTimeouts.Inc()
}

// RecordFrameSent records an outbound frame by type ("GM", "GM_ACK", "NICK", "ENC").
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records an inbound frame by type.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameDropped records a frame rejected during parsing, e.g.
// "malformed" or "oversized".
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FrameDropped.WithLabelValues(reason).Inc()
}

// RecordMessageSent records a chat message handed to the transport.
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordMessageReceived records a chat message successfully decrypted
// and delivered to the application.
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordMessageDropped records a chat message rejected before delivery,
// e.g. "unknown_peer" or "decrypt_error".
func (m *Metrics) RecordMessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordDecryptError records an AEAD decryption failure.
func (m *Metrics) RecordDecryptError() {
	m.DecryptErrors.Inc()
}

// SetRoomsOwned sets the number of rooms owned by this peer.
func (m *Metrics) SetRoomsOwned(count int) {
	m.RoomsOwned.Set(float64(count))
}

// SetRoomsJoined sets the number of rooms this peer currently belongs to.
func (m *Metrics) SetRoomsJoined(count int) {
	m.RoomsJoined.Set(float64(count))
}

// RecordRoomJoinResult records the outcome of a join attempt, e.g.
// "accepted", "full", "locked", "bad_password".
func (m *Metrics) RecordRoomJoinResult(outcome string) {
	m.RoomJoinResults.WithLabelValues(outcome).Inc()
}

// SetRoomMembers sets the total member count across owned rooms.
func (m *Metrics) SetRoomMembers(count int) {
	m.RoomMembers.Set(float64(count))
}

// RecordDiscoveryRTT records the round-trip time between a GM broadcast
// and its GM_ACK.
func (m *Metrics) RecordDiscoveryRTT(seconds float64) {
	m.DiscoveryRTT.Observe(seconds)
}
