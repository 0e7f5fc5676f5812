package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	setutil "k8s.io/utils/set"

	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/reattach"
)

// Room is the per-room finite state machine (spec.md §4.3). All mutation
// happens while mu is held; callers outside this file must never touch the
// fields directly.
type Room struct {
	Code       string
	Type       GameType
	MaxPlayers int
	CreatedAt  time.Time
	CreatedVia string

	mu              sync.RWMutex
	status          RoomStatus
	hostPosition    int
	players         map[int]*PlayerSlot
	gameState       json.RawMessage
	handsByPosition map[string]json.RawMessage
	closedReason    string
	graceTimers     map[int]*time.Timer

	rules    GameRules
	sessions *SessionRegistry
	reattach *reattach.Issuer // nil when no reattach secret configured
	onEmpty  func(gameType GameType, code string)
}

func rulesFor(gt GameType) GameRules {
	if gt == GameDigu {
		return diguRules{}
	}
	return dhihaRules{}
}

// NewRoom creates an empty room in the waiting state. The caller is
// responsible for seating the host via Join.
func NewRoom(code string, gameType GameType, maxPlayers int, createdVia string, sessions *SessionRegistry, issuer *reattach.Issuer, onEmpty func(GameType, string)) *Room {
	return &Room{
		Code:            code,
		Type:            gameType,
		MaxPlayers:      maxPlayers,
		CreatedAt:       time.Now(),
		CreatedVia:      createdVia,
		status:          StatusWaiting,
		players:         make(map[int]*PlayerSlot),
		handsByPosition: make(map[string]json.RawMessage),
		graceTimers:     make(map[int]*time.Timer),
		rules:           rulesFor(gameType),
		sessions:        sessions,
		reattach:        issuer,
		onEmpty:         onEmpty,
	}
}

// Status returns the room's current status.
func (r *Room) Status() RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// PlayerCount returns the number of occupied slots.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// HostPosition returns the current host's position.
func (r *Room) HostPosition() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostPosition
}

// Join seats a new player at the lowest free position. Returns the
// assigned position, or a wire error code.
func (r *Room) Join(sid, name string) (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusWaiting {
		if r.status == StatusPlaying {
			return 0, ErrGameInProgress
		}
		return 0, ErrRoomNotFound
	}

	pos := r.lowestFreePositionLocked()
	if pos < 0 {
		return 0, ErrRoomFull
	}

	r.players[pos] = &PlayerSlot{
		OderID:     sid,
		Name:       name,
		Ready:      false,
		Connected:  true,
		LastSeenAt: time.Now(),
	}
	r.sessions.Bind(sid, r.Type, r.Code, pos)

	for p, slot := range r.players {
		if p == pos {
			continue
		}
		r.sendToLocked(slot.OderID, r.rules.PlayersChangedEvent(), map[string]any{"players": r.playersSnapshotLocked()})
	}
	return pos, ""
}

// SeatHost is called once, at room creation, to seat the creator at
// position 0.
func (r *Room) SeatHost(sid, name string) {
	r.mu.Lock()
	r.players[0] = &PlayerSlot{
		OderID:     sid,
		Name:       name,
		Ready:      false,
		Connected:  true,
		LastSeenAt: time.Now(),
	}
	r.hostPosition = 0
	r.mu.Unlock()
	r.sessions.Bind(sid, r.Type, r.Code, 0)
}

func (r *Room) lowestFreePositionLocked() int {
	for p := 0; p < r.MaxPlayers; p++ {
		if _, occupied := r.players[p]; !occupied {
			return p
		}
	}
	return -1
}

// SetReady toggles the ready flag for the caller's slot.
func (r *Room) SetReady(sid string, ready bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, pos := r.slotOfLocked(sid)
	if slot == nil {
		return ErrNotInRoom
	}
	_ = pos
	slot.Ready = ready
	return ""
}

func (r *Room) slotOfLocked(sid string) (*PlayerSlot, int) {
	for pos, slot := range r.players {
		if slot.OderID == sid {
			return slot, pos
		}
	}
	return nil, -1
}

func (r *Room) isHostLocked(sid string) bool {
	slot, ok := r.players[r.hostPosition]
	return ok && slot.OderID == sid
}

// IsHost reports whether sid currently occupies the host position. Exported
// so the dispatcher can enforce host-only routes itself (spec.md §4.5:
// the dispatcher checks requiresHost before the handler runs; the handler
// never re-checks it).
func (r *Room) IsHost(sid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isHostLocked(sid)
}

// CheckTurn reports the wire error code if event is turn-scoped for this
// game and sid does not currently own the turn, or "" if the check passes
// (including when the event isn't turn-scoped, or sid isn't seated).
// Exported so the dispatcher can enforce requiresTurn routes itself, per
// the same "handler never re-checks" rule as IsHost.
func (r *Room) CheckTurn(sid, event string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.rules.IsTurnScopedEvent(event) {
		return ""
	}
	_, pos := r.slotOfLocked(sid)
	if pos < 0 {
		return ErrNotInRoom
	}
	turnPos, ok := r.rules.CurrentTurnPosition(r.gameState)
	if ok && turnPos != pos {
		return ErrNotYourTurn
	}
	return ""
}

// StartGame transitions waiting -> playing. The dispatcher's requiresHost
// flag has already confirmed sid is the host before this runs; every slot
// must still be occupied and ready.
func (r *Room) StartGame(sid string, gameState json.RawMessage, hands map[string]json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusWaiting {
		return ErrGameInProgress
	}
	if len(r.players) != r.MaxPlayers {
		return ErrRoomNotFound
	}
	for _, slot := range r.players {
		if !slot.Ready {
			return ErrNotInRoom
		}
	}

	r.gameState = gameState
	r.handsByPosition = hands
	r.status = StatusPlaying

	for pos, slot := range r.players {
		hand := hands[itoa(pos)]
		r.sendToLocked(slot.OderID, r.rules.GameStartedEvent(), map[string]any{
			"gameState": json.RawMessage(gameState),
			"hand":      json.RawMessage(hand),
			"position":  pos,
			"players":   r.playersSnapshotLocked(),
		})
	}
	return ""
}

// NewRound re-deals without leaving the playing state (EvNewRound /
// EvDiguNewMatch). Host-only, like StartGame; the dispatcher has already
// confirmed that before calling in.
func (r *Room) NewRound(sid string, gameState json.RawMessage, hands map[string]json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusPlaying {
		return ErrNotInRoom
	}

	r.gameState = gameState
	r.handsByPosition = hands

	for _, slot := range r.players {
		r.sendToLocked(slot.OderID, r.rules.RoundStartedEvent(), map[string]any{
			"gameState": json.RawMessage(gameState),
			"hands":     hands,
		})
	}
	return ""
}

// SwapPlayer relocates fromPosition's occupant to a position on the
// opposite team (dhiha-ei only), per spec.md §4.3. Host-only; the
// dispatcher's requiresHost flag has already confirmed that.
func (r *Room) SwapPlayer(sid string, fromPosition int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	fromSlot, ok := r.players[fromPosition]
	if !ok {
		return ErrNotInRoom
	}

	candidates := r.rules.OppositeTeamPositions(fromPosition, r.MaxPlayers)
	if len(candidates) == 0 {
		return ErrNotInRoom
	}
	sort.Ints(candidates)

	var target int
	freeFound := false
	for _, c := range candidates {
		if _, occupied := r.players[c]; !occupied {
			target = c
			freeFound = true
			break
		}
	}
	if freeFound {
		r.players[target] = fromSlot
		delete(r.players, fromPosition)
		r.sessions.Bind(fromSlot.OderID, r.Type, r.Code, target)
	} else {
		// No free slot on the opposite team: exchange with its first occupant.
		target = candidates[0]
		targetSlot := r.players[target]
		r.players[target] = fromSlot
		r.players[fromPosition] = targetSlot
		r.sessions.Bind(fromSlot.OderID, r.Type, r.Code, target)
		r.sessions.Bind(targetSlot.OderID, r.Type, r.Code, fromPosition)
	}

	if ev := r.rules.PositionChangedEvent(); ev != "" {
		r.broadcastAllLocked(ev, map[string]any{"players": r.playersSnapshotLocked()})
	}
	return ""
}

// RelayTurnEvent rebroadcasts data to every other member. The dispatcher's
// requiresTurn flag has already confirmed sid owns the current turn (via
// CheckTurn) when event is turn-scoped, so this only re-validates room
// membership before fanning the frame out.
func (r *Room) RelayTurnEvent(ctx context.Context, sid, event string, data json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusPlaying {
		return ErrNotInRoom
	}
	_, pos := r.slotOfLocked(sid)
	if pos < 0 {
		return ErrNotInRoom
	}

	relayEvent := r.rules.RelayEventName(event)
	recipients := setutil.New[int]()
	for p := range r.players {
		recipients.Insert(p)
	}
	recipients.Delete(pos) // senders do not receive echoes
	for _, p := range recipients.UnsortedList() {
		r.sendToLocked(r.players[p].OderID, relayEvent, json.RawMessage(data))
	}
	return ""
}

// UpdateGameState lets the host push authoritative state (EvUpdateGameState
// / EvDiguUpdateState when not itself turn-scoped for digu). Host-only; the
// dispatcher's requiresHost flag has already confirmed that.
func (r *Room) UpdateGameState(sid string, gameState json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gameState = gameState
	r.broadcastAllLocked(r.rules.GameStateUpdatedEvent(), map[string]any{"gameState": json.RawMessage(gameState)})
	return ""
}

// GameOver transitions playing -> finished and tells every member. Only
// digu's event catalogue has an explicit game-over frame; dhiha-ei signals
// completion through gameState itself.
func (r *Room) GameOver(sid string, results json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, pos := r.slotOfLocked(sid); pos < 0 {
		return ErrNotInRoom
	}
	r.status = StatusFinished
	r.broadcastAllLocked(EvDiguGameOver, map[string]any{"results": json.RawMessage(results)})
	return ""
}

// Leave removes sid's slot immediately (no grace window), migrates the
// host if needed, and reports whether the room is now empty.
func (r *Room) Leave(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeSlotLocked(sid)
}

func (r *Room) removeSlotLocked(sid string) bool {
	_, pos := r.slotOfLocked(sid)
	if pos < 0 {
		return len(r.players) == 0
	}
	delete(r.players, pos)
	r.sessions.Unbind(sid)
	r.cancelGraceTimerLocked(pos)
	r.migrateHostLocked()

	if len(r.players) > 0 {
		r.broadcastAllLocked(r.rules.PlayerDisconnectedEvent(), map[string]any{
			"position": pos,
			"players":  r.playersSnapshotLocked(),
		})
	}
	return len(r.players) == 0
}

// Disconnect marks sid's slot as disconnected and starts the grace-window
// timer; after GraceWindow elapses without a reattach, the slot is removed.
func (r *Room) Disconnect(sid string) {
	r.mu.Lock()
	slot, pos := r.slotOfLocked(sid)
	if slot == nil {
		r.mu.Unlock()
		return
	}
	slot.Connected = false
	slot.LastSeenAt = time.Now()

	if r.reattach != nil {
		if token, err := r.reattach.Issue(sid, string(r.Type), r.Code, pos); err == nil {
			r.sendToLocked(sid, "reattach_token", map[string]any{"token": token})
		}
	}

	timer := time.AfterFunc(GraceWindow, func() {
		r.expireGrace(sid, pos)
	})
	r.graceTimers[pos] = timer
	r.mu.Unlock()
}

func (r *Room) expireGrace(sid string, pos int) {
	r.mu.Lock()
	slot, ok := r.players[pos]
	stillSameOccupant := ok && slot.OderID == sid && !slot.Connected
	if !stillSameOccupant {
		r.mu.Unlock()
		return
	}
	delete(r.graceTimers, pos)
	r.mu.Unlock()

	empty := r.removeSlotLocked2(sid)
	if empty && r.onEmpty != nil {
		r.onEmpty(r.Type, r.Code)
	}
}

// removeSlotLocked2 is removeSlotLocked with its own locking, for callers
// (the grace timer) that aren't already holding mu.
func (r *Room) removeSlotLocked2(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeSlotLocked(sid)
}

func (r *Room) cancelGraceTimerLocked(pos int) {
	if t, ok := r.graceTimers[pos]; ok {
		t.Stop()
		delete(r.graceTimers, pos)
	}
}

// PositionOf reports the position currently held by previousOderID, without
// mutating anything. Used to verify a reattach token before committing the
// rebind.
func (r *Room) PositionOf(previousOderID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pos, slot := range r.players {
		if slot.OderID == previousOderID {
			return pos, true
		}
	}
	return 0, false
}

// Reattach rebinds a new session id to the slot previously held by
// previousOderID, clearing the grace timer. It returns the slot's position.
func (r *Room) Reattach(newSID, previousOderID string) (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pos, slot := range r.players {
		if slot.OderID == previousOderID {
			slot.OderID = newSID
			slot.Connected = true
			slot.LastSeenAt = time.Now()
			r.cancelGraceTimerLocked(pos)
			r.sessions.Bind(newSID, r.Type, r.Code, pos)
			r.broadcastAllLocked(r.rules.PlayersChangedEvent(), map[string]any{"players": r.playersSnapshotLocked()})
			return pos, ""
		}
	}
	return 0, ErrNotInRoom
}

// migrateHostLocked sets hostPosition to the smallest occupied position.
func (r *Room) migrateHostLocked() {
	if len(r.players) == 0 {
		return
	}
	min := -1
	for p := range r.players {
		if min == -1 || p < min {
			min = p
		}
	}
	r.hostPosition = min
}

// IsEmpty reports whether the room has no occupied slots and no pending
// grace timers.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players) == 0
}

// CloseForModeration force-finishes the room and disconnects every member,
// used by the admin surface (SPEC_FULL.md §5's Room.closedReason).
func (r *Room) CloseForModeration(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFinished
	r.closedReason = reason
	r.broadcastAllLocked(EvRoomClosed, map[string]any{"reason": reason})
	for _, slot := range r.players {
		r.sessions.Unbind(slot.OderID)
	}
}

func (r *Room) sendToLocked(sid, event string, data any) {
	if s, ok := r.sessions.Lookup(sid); ok {
		if !s.Send(event, data) {
			logging.Warn(context.Background(), "send buffer full, dropping session", zap.String("sid", sid), zap.String("event", event))
		}
	}
}

func (r *Room) broadcastAllLocked(event string, data any) {
	for _, slot := range r.players {
		r.sendToLocked(slot.OderID, event, data)
	}
}

func (r *Room) playersSnapshotLocked() map[string]PlayerSlot {
	out := make(map[string]PlayerSlot, len(r.players))
	for pos, slot := range r.players {
		out[itoa(pos)] = *slot
	}
	return out
}

// PlayersSnapshot is the exported, locked form of playersSnapshotLocked.
func (r *Room) PlayersSnapshot() map[string]PlayerSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playersSnapshotLocked()
}

func itoa(n int) string { return strconv.Itoa(n) }
