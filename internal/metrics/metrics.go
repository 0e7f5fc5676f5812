// Package metrics declares the coordinator's Prometheus instrumentation.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: dhiha_coordinator
//   - subsystem: websocket, room, queue, ratelimit, redis
//   - name: specific metric (connections_active, events_total, ...)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	}, []string{"game_type"})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of occupied slots in each room",
	}, []string{"room_id"})

	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Current number of sessions waiting in a matchmaking queue",
	}, []string{"game_type"})

	MatchesFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "queue",
		Name:      "matches_formed_total",
		Help:      "Total number of rooms synthesized by the matchmaker",
	}, []string{"game_type"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound WebSocket events processed",
	}, []string{"event", "status"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing a single inbound event",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total admission checks that were refused",
	}, []string{"reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total admission checks performed",
	}, []string{"endpoint"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Current state of the rate-limit Redis circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhiha_coordinator",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations issued by the admission layer",
	}, []string{"operation", "status"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
