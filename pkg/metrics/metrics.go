// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RealtimeConnectionsActive tracks open realtime connections per transport.
	RealtimeConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of open realtime connections",
		},
		[]string{"transport"},
	)

	// RoomMemberships tracks connection-to-room memberships.
	RoomMemberships = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_room_memberships",
			Help: "Number of connection room memberships",
		},
	)

	// OnlineUsers tracks users with at least one open connection on this instance.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_online_users",
			Help: "Users with at least one open connection",
		},
	)

	// EventsDispatched tracks outbound events by name.
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dispatched_total",
			Help: "Realtime events delivered to connections",
		},
		[]string{"event"},
	)

	// DeliveriesDropped tracks events dropped because a connection buffer was full.
	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_deliveries_dropped_total",
			Help: "Events dropped for slow connections",
		},
	)

	// InboundRejected tracks inbound frames rejected by the per-connection limiter or decoder.
	InboundRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_inbound_rejected_total",
			Help: "Inbound realtime frames rejected",
		},
		[]string{"reason"},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"kind"},
	)

	// MessageMutations tracks message edits and deletes.
	MessageMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_mutations_total",
			Help: "Message edits and deletes",
		},
		[]string{"op"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementConnections increments the active connection count for a transport.
func IncrementConnections(transport string) {
	RealtimeConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementConnections decrements the active connection count for a transport.
func DecrementConnections(transport string) {
	RealtimeConnectionsActive.WithLabelValues(transport).Dec()
}
