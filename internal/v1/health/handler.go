// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RoomStats reports the number of live rooms.
type RoomStats interface {
	Len() int
}

// HubStats reports transport and session counts.
type HubStats interface {
	ClientCount() int
	SessionCount() int
}

// Handler manages health check endpoints
type Handler struct {
	rooms RoomStats
	hub   HubStats
}

// NewHandler creates a new health check handler
func NewHandler(rooms RoomStats, hub HubStats) *Handler {
	return &Handler{
		rooms: rooms,
		hub:   hub,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Stats     map[string]int    `json:"stats,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only when the room registry and the session hub are wired
// and serving; returns 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	stats := make(map[string]int)
	allHealthy := true

	if h.rooms != nil {
		checks["rooms"] = "healthy"
		stats["rooms"] = h.rooms.Len()
	} else {
		checks["rooms"] = "unhealthy"
		allHealthy = false
	}

	if h.hub != nil {
		checks["hub"] = "healthy"
		stats["transports"] = h.hub.ClientCount()
		stats["sessions"] = h.hub.SessionCount()
	} else {
		checks["hub"] = "unhealthy"
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Stats:     stats,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}
