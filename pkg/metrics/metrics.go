package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Chat messages accepted into the room cache",
		},
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_duplicate_messages_total",
			Help: "Sends collapsed into an existing message with the same identity",
		},
	)

	CacheBackfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_cache_backfills_total",
			Help: "Messages copied from the durable log into the room cache",
		},
		[]string{"mode"}, // "older", "since", "bootstrap"
	)

	FlushedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_flushed_messages_total",
			Help: "Messages appended to the durable log by the flush scheduler",
		},
	)

	FlushRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_flush_rooms_total",
			Help: "Per-room flush attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	PushSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_push_sent_total",
			Help: "Push deliveries by platform and outcome",
		},
		[]string{"platform", "result"},
	)

	PushTokensPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_push_tokens_pruned_total",
			Help: "Device tokens removed after an unregistered response",
		},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections",
			Help: "Open websocket connections on this gateway",
		},
	)
)
