package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pmchat_connected_clients",
			Help: "Authenticated socket connections",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmchat_frames_received_total",
			Help: "Inbound socket frames",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmchat_frames_dropped_total",
			Help: "Inbound frames dropped",
		},
		[]string{"reason"}, // "malformed", "unauthenticated", "backpressure"
	)

	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmchat_messages_relayed_total",
			Help: "Chat messages by delivery outcome",
		},
		[]string{"outcome"}, // "delivered" or "sent"
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pmchat_auth_failures_total",
			Help: "Rejected auth frames and poll tokens",
		},
	)

	// Durability metrics
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pmchat_persist_failures_total",
			Help: "Messages relayed without a durable copy",
		},
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmchat_push_notifications_total",
			Help: "Push notification attempts",
		},
		[]string{"result"},
	)

	// Poll metrics
	PollRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pmchat_poll_requests_total",
			Help: "Long-poll requests served",
		},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmchat_poll_duration_seconds",
			Help:    "Time a poll request was held open",
			Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 25, 30},
		},
	)
)
