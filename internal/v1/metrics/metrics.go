package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room synchronization service.
//
// Naming convention: namespace_subsystem_name
// - namespace: syncroom (application-level grouping)
// - subsystem: websocket, room, crdt, ratelimit (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (frames processed, compactions)
// - Histogram: Latency distributions (frame processing time)

var (
	// ActiveConnections tracks the current number of live WebSocket transports.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms in the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// PendingReconnections tracks sessions inside the reconnect grace window.
	PendingReconnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "pending_reconnections",
		Help:      "Sessions waiting out the reconnection grace period",
	})

	// Frames tracks processed inbound frames by type and outcome.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks time spent routing one inbound frame.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// CRDTOperations tracks operations applied to room documents by type
	// and origin (local author vs imported from a peer).
	CRDTOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "crdt",
		Name:      "operations_total",
		Help:      "Total CRDT operations applied",
	}, []string{"op_type", "origin"})

	// CRDTCompactions counts GC passes that folded an operation prefix.
	CRDTCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "crdt",
		Name:      "compactions_total",
		Help:      "Total operation-log compactions",
	})

	// RateLimitTerminations counts transports closed for exhausting their
	// frame budget.
	RateLimitTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "ratelimit",
		Name:      "terminations_total",
		Help:      "Connections terminated for exceeding the frame rate limit",
	})

	// HostMigrations counts leadership handovers.
	HostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "host_migrations_total",
		Help:      "Total host migrations",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
