// Package health implements the liveness/readiness probes and the
// shared-secret-guarded admin surface (read-only snapshot plus a room-close
// moderation action).
package health

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/thaasbai/coordinator/internal/logging"
)

// RoomSnapshot is the admin-surface view of a single room. hands and
// gameState are deliberately omitted to keep the payload bounded and to
// avoid leaking in-progress game state to whoever holds the admin secret.
type RoomSnapshot struct {
	Code          string `json:"code"`
	GameType      string `json:"gameType"`
	Status        string `json:"status"`
	HostPosition  int    `json:"hostPosition"`
	MaxPlayers    int    `json:"maxPlayers"`
	PlayerCount   int    `json:"playerCount"`
	CreatedAt     string `json:"createdAt"`
	CreatedVia    string `json:"createdVia"`
}

// SessionSnapshot is the admin-surface view of a single session.
type SessionSnapshot struct {
	SID        string `json:"sid"`
	RemoteIP   string `json:"remoteIp"`
	GameType   string `json:"gameType,omitempty"`
	RoomCode   string `json:"roomCode,omitempty"`
	ConnectedAt string `json:"connectedAt"`
}

// QueueSnapshot is the admin-surface view of one matchmaking queue.
type QueueSnapshot struct {
	GameType string `json:"gameType"`
	Length   int    `json:"length"`
}

// Snapshot is the full admin JSON dump.
type Snapshot struct {
	Rooms    []RoomSnapshot    `json:"rooms"`
	Sessions []SessionSnapshot `json:"sessions"`
	Queues   []QueueSnapshot   `json:"queues"`
	Uptime   string            `json:"uptime"`
	Counters map[string]int    `json:"counters"`
}

// SnapshotProvider is implemented by the coordinator hub.
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// RoomCloser force-closes a room for moderation purposes.
type RoomCloser interface {
	CloseRoom(gameType, code, reason string) error
}

// LivenessChecker exposes the two in-process probes the liveness endpoint
// runs beyond its own bare allocation check (spec.md §4.8): the
// dispatcher's queue depth against its high-water mark, and whether the
// session registry's lock can be acquired within a timeout. Implemented by
// the coordinator hub.
type LivenessChecker interface {
	DispatchQueueDepth() int
	DispatchQueueHighWaterMark() int
	SessionRegistryResponsive(timeout time.Duration) bool
}

// sessionRegistryLockTimeout is the "50 ms timeout" spec.md §4.8 names for
// the session registry lock-try.
const sessionRegistryLockTimeout = 50 * time.Millisecond

// Handler serves /health, /health/ready, and the admin endpoints.
type Handler struct {
	redisClient   *redis.Client
	adminPassword string
	snapshots     SnapshotProvider
	closer        RoomCloser
	liveness      LivenessChecker
	startedAt     time.Time
}

// NewHandler builds a Handler. redisClient may be nil when no REDIS_ADDR is
// configured, in which case readiness always reports Redis as healthy.
func NewHandler(redisClient *redis.Client, adminPassword string, snapshots SnapshotProvider, closer RoomCloser, liveness LivenessChecker, startedAt time.Time) *Handler {
	return &Handler{
		redisClient:   redisClient,
		adminPassword: adminPassword,
		snapshots:     snapshots,
		closer:        closer,
		liveness:      liveness,
		startedAt:     startedAt,
	}
}

type livenessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// canAllocate performs the cheap allocation probe spec.md §4.8 asks for:
// the process must still be able to grow the heap, recovering rather than
// crashing the health endpoint if it can't.
func canAllocate() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	buf := make([]byte, 64*1024)
	return len(buf) == 64*1024
}

// Liveness handles GET /health: the process can allocate, the dispatcher's
// queue is below its high-water mark, and the session registry answers a
// lock-try within sessionRegistryLockTimeout (spec.md §4.8).
func (h *Handler) Liveness(c *gin.Context) {
	checks := map[string]string{
		"alloc": status(canAllocate()),
	}
	healthy := canAllocate()

	if h.liveness != nil {
		queueOK := h.liveness.DispatchQueueDepth() < h.liveness.DispatchQueueHighWaterMark()
		checks["dispatch_queue"] = status(queueOK)
		healthy = healthy && queueOK

		registryOK := h.liveness.SessionRegistryResponsive(sessionRegistryLockTimeout)
		checks["session_registry"] = status(registryOK)
		healthy = healthy && registryOK
	}

	code := http.StatusOK
	result := "alive"
	if !healthy {
		code = http.StatusServiceUnavailable
		result = "unavailable"
	}

	c.JSON(code, livenessResponse{
		Status:    result,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func status(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Readiness handles GET /health/ready.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"redis": h.checkRedis(ctx)}
	allHealthy := checks["redis"] == "healthy"

	status := "ready"
	code := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, readinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "redis readiness check failed")
		return "unhealthy"
	}
	return "healthy"
}

// requireAdmin rejects the request with 401 and no body unless the request
// carries the correct shared secret, compared in constant time.
func (h *Handler) requireAdmin(c *gin.Context) bool {
	supplied := c.GetHeader("X-Admin-Password")
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.adminPassword)) != 1 {
		c.AbortWithStatus(http.StatusUnauthorized)
		return false
	}
	return true
}

// Snapshot handles GET /admin/snapshot.
func (h *Handler) Snapshot(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	snap := h.snapshots.Snapshot()
	snap.Uptime = time.Since(h.startedAt).String()
	c.JSON(http.StatusOK, snap)
}

// CloseRoom handles DELETE /admin/rooms/:gameType/:code.
func (h *Handler) CloseRoom(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	gameType := c.Param("gameType")
	code := c.Param("code")
	if err := h.closer.CloseRoom(gameType, code, "closed_by_admin"); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}
