// internal/chat/metrics.go

package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Number of open realtime connections",
		},
	)

	eventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_relayed_total",
			Help: "Realtime events relayed between users, by event type",
		},
		[]string{"event"},
	)

	messagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Messages appended to the durable store",
		},
	)

	offlineNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_offline_notifications_total",
			Help: "Offline notifications attempted, by kind",
		},
		[]string{"kind"},
	)

	callSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_call_signals_total",
			Help: "Call signaling events relayed, by event type",
		},
		[]string{"event"},
	)
)
