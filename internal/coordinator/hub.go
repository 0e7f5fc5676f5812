package coordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thaasbai/coordinator/internal/health"
	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/metrics"
	"github.com/thaasbai/coordinator/internal/ratelimit"
	"github.com/thaasbai/coordinator/internal/reattach"
)

// Admission-layer tuning shared by the transport (spec.md §4.1, §4.6).
const (
	maxFrameSize        = 64 * 1024
	idleReadTimeout     = 45 * time.Second
	serverPingInterval  = 25 * time.Second
)

// Hub is the top-level registry: one room namespace per GameType plus the
// shared session registry and matchmaker. A single RWMutex guards the room
// maps themselves (create/delete are exclusive; lookups are shared) while
// each Room guards its own state independently, per spec.md §5's lock
// ordering (hub -> room -> session, never the reverse).
type Hub struct {
	mu    sync.RWMutex
	rooms map[GameType]map[string]*Room

	sessions       *SessionRegistry
	matcher        *Matchmaker
	reattach       *reattach.Issuer
	admission      *ratelimit.Admission
	allowedOrigins []string
	dispatcher     *Dispatcher
	startedAt      time.Time
	upgrader       websocket.Upgrader
}

func NewHub(reattachIssuer *reattach.Issuer, admission *ratelimit.Admission, allowedOrigins []string) *Hub {
	h := &Hub{
		rooms: map[GameType]map[string]*Room{
			GameDhihaEi: make(map[string]*Room),
			GameDigu:    make(map[string]*Room),
		},
		sessions:       NewSessionRegistry(),
		matcher:        NewMatchmaker(),
		reattach:       reattachIssuer,
		admission:      admission,
		allowedOrigins: allowedOrigins,
		startedAt:      time.Now(),
	}
	h.dispatcher = NewDispatcher(h)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Hub) Sessions() *SessionRegistry { return h.sessions }

// DispatchQueueDepth implements health.LivenessChecker.
func (h *Hub) DispatchQueueDepth() int { return int(h.dispatcher.InFlight()) }

// DispatchQueueHighWaterMark implements health.LivenessChecker.
func (h *Hub) DispatchQueueHighWaterMark() int { return dispatchQueueHighWaterMark }

// SessionRegistryResponsive implements health.LivenessChecker.
func (h *Hub) SessionRegistryResponsive(timeout time.Duration) bool {
	return h.sessions.Responsive(timeout)
}

// checkOrigin allows connections with no Origin header (non-browser
// clients, e.g. tests) and otherwise requires an exact scheme+host match
// against the configured allow-list.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWs is the WebSocket upgrade entry point: admission check, upgrade,
// session registration, then hand the connection to its own read/write
// pumps (spec.md §4.6's keepalive + §4.1's admission gate sit here).
func (h *Hub) ServeWs(c *gin.Context) {
	remoteAddr := c.Request.RemoteAddr
	if h.admission != nil {
		if code := h.admission.CheckConnect(c.Request.Context(), remoteAddr); code != "" {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": code})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade websocket")
		return
	}

	if h.admission != nil {
		h.admission.Acquire(remoteAddr)
	}
	metrics.IncConnection()

	correlationID, _ := c.Get(string(logging.CorrelationIDKey))
	cid, _ := correlationID.(string)
	if cid == "" {
		cid = uuid.New().String()
	}

	client := NewClient(conn, h.dispatcher)
	sid := uuid.New().String()
	session := newSession(sid, remoteAddr, cid, client)
	client.attach(session)
	h.sessions.Register(session)

	session.Send(EvConnected, map[string]string{"sid": sid})

	go client.writePump()
	go h.runReadPump(client, remoteAddr)
}

func (h *Hub) runReadPump(client *Client, remoteAddr string) {
	ctx := context.Background()
	client.readPump(ctx, h)
	if h.admission != nil {
		h.admission.Release(remoteAddr)
	}
}

// handleDisconnect is invoked once a client's readPump returns. It
// unregisters the session and, if the session was bound to a room, starts
// that room's disconnect grace window (spec.md §4.6) instead of removing
// the slot immediately.
func (h *Hub) handleDisconnect(s *Session) {
	if s == nil {
		return
	}
	metrics.DecConnection()
	gameType, code, _, bound := s.Binding()
	if bound {
		if room, ok := h.GetRoom(gameType, code); ok {
			room.Disconnect(s.SID)
		}
	}
	h.sessions.Unregister(s.SID)
}

// generateRoomCode draws roomCodeLength characters from roomCodeAlphabet
// and retries on collision within the gameType namespace.
func (h *Hub) generateRoomCode(gameType GameType) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		h.mu.RLock()
		_, taken := h.rooms[gameType][code]
		h.mu.RUnlock()
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("coordinator: could not allocate a unique room code after 10 attempts")
}

func randomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, roomCodeLength)
	for i, b := range buf {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out), nil
}

// CreateRoom allocates a fresh code, inserts an empty waiting room, and
// seats sid as its host at position 0.
func (h *Hub) CreateRoom(gameType GameType, sid, playerName, createdVia string, maxPlayers int) (*Room, error) {
	code, err := h.generateRoomCode(gameType)
	if err != nil {
		return nil, err
	}

	min, max := rulesFor(gameType).MaxPlayersRange()
	if gameType == GameDigu {
		maxPlayers = ClampDiguMaxPlayers(maxPlayers)
	} else {
		maxPlayers = max
	}
	if maxPlayers < min {
		maxPlayers = min
	}

	room := NewRoom(code, gameType, maxPlayers, createdVia, h.sessions, h.reattach, h.onRoomEmpty)

	h.mu.Lock()
	h.rooms[gameType][code] = room
	h.mu.Unlock()

	room.SeatHost(sid, playerName)
	metrics.ActiveRooms.WithLabelValues(string(gameType)).Inc()
	return room, nil
}

// CreateRoomFromMatch is like CreateRoom but seats every drained queue
// entry at once, used by the matchmaking drain path (spec.md §4.4).
func (h *Hub) CreateRoomFromMatch(gameType GameType, entries []QueueEntry) (*Room, error) {
	code, err := h.generateRoomCode(gameType)
	if err != nil {
		return nil, err
	}
	maxPlayers := len(entries)
	room := NewRoom(code, gameType, maxPlayers, "matchmaking", h.sessions, h.reattach, h.onRoomEmpty)

	h.mu.Lock()
	h.rooms[gameType][code] = room
	h.mu.Unlock()

	for i, e := range entries {
		if i == 0 {
			room.SeatHost(e.SID, e.PlayerName)
			continue
		}
		room.Join(e.SID, e.PlayerName)
	}
	metrics.ActiveRooms.WithLabelValues(string(gameType)).Inc()
	return room, nil
}

// GetRoom looks up a room by game type and code.
func (h *Hub) GetRoom(gameType GameType, code string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[gameType][code]
	return r, ok
}

// JoinQueue enqueues sid and, if this completes a match, synthesizes the
// room and returns it along with every drained entry's assigned position.
func (h *Hub) JoinQueue(entry QueueEntry) (*Room, map[string]int, error) {
	drained := h.matcher.Join(entry)
	if drained == nil {
		return nil, nil, nil
	}
	room, err := h.CreateRoomFromMatch(entry.GameType, drained)
	if err != nil {
		return nil, nil, err
	}
	positions := make(map[string]int, len(drained))
	for pos, slot := range room.PlayersSnapshot() {
		n, err := strconv.Atoi(pos)
		if err != nil {
			continue
		}
		positions[slot.OderID] = n
	}
	return room, positions, nil
}

// LeaveQueue removes sid from the gameType queue, if present.
func (h *Hub) LeaveQueue(gameType GameType, sid string) {
	h.matcher.Leave(gameType, sid)
}

// onRoomEmpty is invoked by a Room once its last slot is vacated via the
// grace-window expiry path; it deletes the room from the registry.
func (h *Hub) onRoomEmpty(gameType GameType, code string) {
	h.mu.Lock()
	delete(h.rooms[gameType], code)
	h.mu.Unlock()
	metrics.ActiveRooms.WithLabelValues(string(gameType)).Dec()
}

// removeIfEmpty deletes code from the registry if Leave reported the room
// is now empty, mirroring onRoomEmpty for the immediate-leave path.
func (h *Hub) removeIfEmpty(gameType GameType, code string, empty bool) {
	if !empty {
		return
	}
	h.onRoomEmpty(gameType, code)
}

// verifyReattach checks a reattach token against the exact slot
// (gameType, code, position) it claims to reattach to. It returns the sid
// the token was issued for, or an error if no reattach secret is configured,
// the token is malformed, or it doesn't match the slot.
func (h *Hub) verifyReattach(token string, gameType GameType, code string, position int) (string, error) {
	if h.reattach == nil {
		return "", fmt.Errorf("coordinator: no reattach secret configured")
	}
	return h.reattach.Verify(token, string(gameType), code, position)
}

// CloseRoom implements health.RoomCloser.
func (h *Hub) CloseRoom(gameType, code, reason string) error {
	room, ok := h.GetRoom(GameType(gameType), code)
	if !ok {
		return fmt.Errorf("coordinator: room %s/%s not found", gameType, code)
	}
	room.CloseForModeration(reason)
	h.onRoomEmpty(GameType(gameType), code)
	return nil
}

// Snapshot implements health.SnapshotProvider.
func (h *Hub) Snapshot() health.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var rooms []health.RoomSnapshot
	for gameType, byCode := range h.rooms {
		for code, r := range byCode {
			rooms = append(rooms, health.RoomSnapshot{
				Code:         code,
				GameType:     string(gameType),
				Status:       string(r.Status()),
				HostPosition: r.HostPosition(),
				MaxPlayers:   r.MaxPlayers,
				PlayerCount:  r.PlayerCount(),
				CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
				CreatedVia:   r.CreatedVia,
			})
		}
	}

	var sessions []health.SessionSnapshot
	h.sessions.ForEach(func(s *Session) {
		gameType, code, _, bound := s.Binding()
		snap := health.SessionSnapshot{
			SID:         s.SID,
			RemoteIP:    s.RemoteIP,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
		}
		if bound {
			snap.GameType = string(gameType)
			snap.RoomCode = code
		}
		sessions = append(sessions, snap)
	})

	queues := []health.QueueSnapshot{
		{GameType: string(GameDhihaEi), Length: h.matcher.Length(GameDhihaEi)},
		{GameType: string(GameDigu), Length: h.matcher.Length(GameDigu)},
	}

	return health.Snapshot{
		Rooms:    rooms,
		Sessions: sessions,
		Queues:   queues,
		Counters: map[string]int{
			"sessions": h.sessions.Count(),
		},
	}
}
