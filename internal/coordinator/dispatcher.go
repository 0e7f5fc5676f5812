package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/metrics"
)

// dispatchQueueHighWaterMark bounds how many Dispatch calls may be
// in flight at once before the liveness probe (spec.md §4.8) reports the
// coordinator unhealthy. Since each Dispatch call holds at most one room's
// lock for a CPU-bounded handler, a backlog this deep means something is
// stuck.
const dispatchQueueHighWaterMark = 1024

// route describes how one inbound event is handled. The dispatcher checks
// these predicate flags itself, before the handler ever runs (spec.md
// §4.5: "handler code never re-checks them"):
//   - requiresRoom:  session must already be bound to a room (ErrNotInRoom)
//   - requiresHost:  the bound room's host position must be the caller's
//     session (ErrNotHost), via Room.IsHost
//   - requiresTurn:  the caller must currently own the turn, for events the
//     active GameRules considers turn-scoped (ErrNotYourTurn), via
//     Room.CheckTurn
type route struct {
	requiresRoom bool
	requiresHost bool
	requiresTurn bool
	handle       func(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string
}

// Dispatcher routes inbound frames from a Session to the Hub, translating
// between the wire protocol and the Room/Matchmaker API.
type Dispatcher struct {
	hub      *Hub
	routes   map[string]route
	inFlight int64
}

func NewDispatcher(hub *Hub) *Dispatcher {
	d := &Dispatcher{hub: hub}
	d.routes = map[string]route{
		EvCreateRoom:      {handle: handleCreateRoom(GameDhihaEi)},
		EvJoinRoom:        {handle: handleJoinRoom(GameDhihaEi)},
		EvLeaveRoom:       {requiresRoom: true, handle: handleLeaveRoom},
		EvSetReady:        {requiresRoom: true, handle: handleSetReady},
		EvStartGame:       {requiresRoom: true, requiresHost: true, handle: handleStartGame},
		EvSwapPlayer:      {requiresRoom: true, requiresHost: true, handle: handleSwapPlayer},
		EvCardPlayed:      {requiresRoom: true, requiresTurn: true, handle: handleRelayTurn},
		EvUpdateGameState: {requiresRoom: true, requiresHost: true, handle: handleUpdateGameState},
		EvNewRound:        {requiresRoom: true, requiresHost: true, handle: handleNewRound},

		EvCreateDiguRoom:  {handle: handleCreateRoom(GameDigu)},
		EvJoinDiguRoom:    {handle: handleJoinRoom(GameDigu)},
		EvLeaveDiguRoom:   {requiresRoom: true, handle: handleLeaveRoom},
		EvDiguSetReady:    {requiresRoom: true, handle: handleSetReady},
		EvStartDiguGame:   {requiresRoom: true, requiresHost: true, handle: handleStartGame},
		EvDiguDrawCard:    {requiresRoom: true, requiresTurn: true, handle: handleRelayTurn},
		EvDiguDiscardCard: {requiresRoom: true, requiresTurn: true, handle: handleRelayTurn},
		EvDiguDeclare:     {requiresRoom: true, requiresTurn: true, handle: handleRelayTurn},
		EvDiguUpdateState: {requiresRoom: true, requiresTurn: true, handle: handleRelayTurn},
		EvDiguGameOver:    {requiresRoom: true, handle: handleGameOver},
		EvDiguNewMatch:    {requiresRoom: true, requiresHost: true, handle: handleNewRound},

		EvPingKeepalive: {handle: handlePing},
		EvReattach:      {handle: handleReattach},
		EvJoinQueue:     {handle: handleJoinQueue},
		EvLeaveQueue:    {handle: handleLeaveQueue},
	}
	return d
}

// Dispatch decodes one frame and runs its route, replying with an "error"
// frame if anything goes wrong. Panics inside a handler are recovered and
// reported as ErrInternal, mirroring spec.md §7's catch-all.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.Send(EvError, map[string]string{"code": ErrInvalidPayload})
		return
	}

	atomic.AddInt64(&d.inFlight, 1)
	defer atomic.AddInt64(&d.inFlight, -1)

	r, ok := d.routes[msg.Event]
	if !ok {
		s.Send(EvError, map[string]string{"code": ErrInvalidPayload, "event": msg.Event})
		return
	}

	if r.requiresRoom {
		if _, _, _, bound := s.Binding(); !bound {
			s.Send(EvError, map[string]string{"code": ErrNotInRoom, "event": msg.Event})
			return
		}
	}

	if r.requiresHost || r.requiresTurn {
		room, _, _, ok := sessionRoom(d, s)
		if !ok {
			s.Send(EvError, map[string]string{"code": ErrNotInRoom, "event": msg.Event})
			return
		}
		if r.requiresHost && !room.IsHost(s.SID) {
			s.Send(EvError, map[string]string{"code": ErrNotHost, "event": msg.Event})
			return
		}
		if r.requiresTurn {
			if errCode := room.CheckTurn(s.SID, msg.Event); errCode != "" {
				s.Send(EvError, map[string]string{"code": errCode, "event": msg.Event})
				return
			}
		}
	}

	s.Touch()
	errCode := d.safeHandle(ctx, r, s, msg)
	status := "ok"
	if errCode != "" {
		status = "error"
		s.Send(EvError, map[string]string{"code": errCode, "event": msg.Event})
	}
	metrics.WebsocketEvents.WithLabelValues(msg.Event, status).Inc()
}

func (d *Dispatcher) safeHandle(ctx context.Context, r route, s *Session, msg Message) (errCode string) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "panic handling event", zap.String("event", msg.Event), zap.Any("recover", rec))
			errCode = ErrInternal
		}
	}()
	return r.handle(ctx, d, s, msg.Event, msg.Data)
}

func handleCreateRoom(gameType GameType) func(context.Context, *Dispatcher, *Session, string, json.RawMessage) string {
	return func(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
		var playerName string
		maxPlayers := 0
		if gameType == GameDigu {
			var dp createDiguRoomPayload
			if err := json.Unmarshal(data, &dp); err != nil {
				return ErrInvalidPayload
			}
			playerName = dp.PlayerName
			maxPlayers = dp.MaxPlayers
		} else {
			var p createRoomPayload
			if err := json.Unmarshal(data, &p); err != nil {
				return ErrInvalidPayload
			}
			playerName = p.PlayerName
		}

		room, err := d.hub.CreateRoom(gameType, s.SID, playerName, "manual", maxPlayers)
		if err != nil {
			return ErrInternal
		}
		rules := rulesFor(gameType)
		s.Send(rules.RoomCreatedEvent(), map[string]any{
			"roomId":     room.Code,
			"position":   0,
			"maxPlayers": room.MaxPlayers,
			"players":    room.PlayersSnapshot(),
		})
		return ""
	}
}

func handleJoinRoom(gameType GameType) func(context.Context, *Dispatcher, *Session, string, json.RawMessage) string {
	return func(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
		var p joinRoomPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return ErrInvalidPayload
		}
		room, ok := d.hub.GetRoom(gameType, p.RoomID)
		if !ok {
			return ErrRoomNotFound
		}
		pos, errCode := room.Join(s.SID, p.PlayerName)
		if errCode != "" {
			return errCode
		}
		rules := rulesFor(gameType)
		s.Send(rules.RoomJoinedEvent(), map[string]any{
			"roomId":       room.Code,
			"position":     pos,
			"hostPosition": room.HostPosition(),
			"maxPlayers":   room.MaxPlayers,
			"players":      room.PlayersSnapshot(),
		})
		return ""
	}
}

func sessionRoom(d *Dispatcher, s *Session) (*Room, GameType, string, bool) {
	gameType, code, _, bound := s.Binding()
	if !bound {
		return nil, "", "", false
	}
	room, ok := d.hub.GetRoom(gameType, code)
	return room, gameType, code, ok
}

func handleLeaveRoom(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, gameType, code, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	empty := room.Leave(s.SID)
	d.hub.removeIfEmpty(gameType, code, empty)
	return ""
}

func handleSetReady(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	var p setReadyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	return room.SetReady(s.SID, p.Ready)
}

func handleStartGame(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	var p startGamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	return room.StartGame(s.SID, p.GameState, p.Hands)
}

func handleNewRound(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	var p startGamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	return room.NewRound(s.SID, p.GameState, p.Hands)
}

func handleSwapPlayer(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	var p swapPlayerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	return room.SwapPlayer(s.SID, p.FromPosition)
}

func handleRelayTurn(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	if !turnEventPayloadValid(event, data) {
		return ErrInvalidPayload
	}
	return room.RelayTurnEvent(ctx, s.SID, event, data)
}

// turnEventPayloadValid checks that a turn-scoped event's payload has the
// shape its wire contract promises (spec.md §6). It never inspects card,
// melds, or other opaque game content — only that the envelope decodes,
// per the "opaque game-state blobs" design (spec.md §9).
func turnEventPayloadValid(event string, data json.RawMessage) bool {
	switch event {
	case EvCardPlayed:
		var p cardPlayedPayload
		return json.Unmarshal(data, &p) == nil
	case EvDiguDrawCard:
		var p diguDrawCardPayload
		return json.Unmarshal(data, &p) == nil
	case EvDiguDiscardCard:
		var p diguDiscardCardPayload
		return json.Unmarshal(data, &p) == nil
	case EvDiguDeclare:
		var p diguDeclarePayload
		return json.Unmarshal(data, &p) == nil
	default:
		// EvDiguUpdateState relays opaque state with no fixed envelope.
		return true
	}
}

func handleUpdateGameState(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	var p updateGameStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	return room.UpdateGameState(s.SID, p.GameState)
}

func handleGameOver(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	room, _, _, ok := sessionRoom(d, s)
	if !ok {
		return ErrNotInRoom
	}
	return room.GameOver(s.SID, data)
}

func handlePing(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	s.Send(EvConnected, map[string]string{"sid": s.SID})
	return ""
}

// handleReattach looks the claimed room up in both namespaces since the
// reattach frame doesn't itself carry a gameType (spec.md §6's reattach
// payload only has roomId + previousOderId).
func handleReattach(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	var p reattachPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}

	for _, gameType := range []GameType{GameDhihaEi, GameDigu} {
		room, ok := d.hub.GetRoom(gameType, p.RoomID)
		if !ok {
			continue
		}
		pos, held := room.PositionOf(p.PreviousOderID)
		if !held {
			continue
		}
		if p.Token != "" {
			if _, err := d.hub.verifyReattach(p.Token, gameType, p.RoomID, pos); err != nil {
				return ErrInvalidPayload
			}
		}
		pos, errCode := room.Reattach(s.SID, p.PreviousOderID)
		if errCode != "" {
			return errCode
		}
		rules := rulesFor(gameType)
		s.Send(rules.RoomJoinedEvent(), map[string]any{
			"roomId":   room.Code,
			"position": pos,
			"players":  room.PlayersSnapshot(),
		})
		return ""
	}
	return ErrRoomNotFound
}

func handleJoinQueue(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	var p joinQueuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	gameType := GameType(p.GameType)
	if gameType != GameDhihaEi && gameType != GameDigu {
		return ErrInvalidPayload
	}

	room, positions, err := d.hub.JoinQueue(QueueEntry{
		SID:               s.SID,
		PlayerName:        p.PlayerName,
		GameType:          gameType,
		DesiredMaxPlayers: p.MaxPlayers,
	})
	if err != nil {
		return ErrInternal
	}
	if room == nil {
		return ""
	}

	players := room.PlayersSnapshot()
	for sid, pos := range positions {
		sess, ok := d.hub.sessions.Lookup(sid)
		if !ok {
			continue
		}
		sess.Send(EvMatchmakingMatched, map[string]any{
			"roomId":   room.Code,
			"position": pos,
			"players":  players,
		})
	}
	return ""
}

func handleLeaveQueue(ctx context.Context, d *Dispatcher, s *Session, event string, data json.RawMessage) string {
	var p joinQueuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrInvalidPayload
	}
	d.hub.LeaveQueue(GameType(p.GameType), s.SID)
	return ""
}

// InFlight returns the number of Dispatch calls currently executing —
// spec.md §4.8's "dispatcher's queue" liveness signal.
func (d *Dispatcher) InFlight() int64 {
	return atomic.LoadInt64(&d.inFlight)
}
