package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todo_realtime_connections",
			Help: "Currently registered websocket connections",
		},
	)

	authenticatedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todo_realtime_authenticated_connections",
			Help: "Currently authenticated websocket connections",
		},
	)

	messagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todo_realtime_messages_total",
			Help: "Total inbound envelopes processed",
		},
	)

	broadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todo_realtime_broadcasts_total",
			Help: "Total workspace broadcasts performed",
		},
	)

	authFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todo_realtime_auth_failures_total",
			Help: "Total failed authentication attempts",
		},
	)
)
