package coordinator

import "encoding/json"

// diguRules implements GameRules for Digu: 2-4 players, no team structure.
type diguRules struct{}

func (diguRules) GameType() GameType { return GameDigu }

func (diguRules) MaxPlayersRange() (int, int) { return 2, 4 }

func (diguRules) CurrentTurnPosition(gameState json.RawMessage) (int, bool) {
	var probe struct {
		CurrentTurn *int `json:"currentTurn"`
	}
	if err := json.Unmarshal(gameState, &probe); err != nil || probe.CurrentTurn == nil {
		return 0, false
	}
	return *probe.CurrentTurn, true
}

func (diguRules) IsTurnScopedEvent(event string) bool {
	switch event {
	case EvDiguDrawCard, EvDiguDiscardCard, EvDiguDeclare, EvDiguUpdateState:
		return true
	default:
		return false
	}
}

// OppositeTeamPositions: digu has no teams.
func (diguRules) OppositeTeamPositions(pos, maxPlayers int) []int { return nil }

func (diguRules) RoomCreatedEvent() string       { return EvDiguRoomCreated }
func (diguRules) RoomJoinedEvent() string         { return EvDiguRoomJoined }
func (diguRules) PlayersChangedEvent() string     { return EvDiguPlayersChanged }
func (diguRules) PositionChangedEvent() string    { return "" } // digu has no team swap
func (diguRules) GameStartedEvent() string        { return EvDiguGameStarted }
func (diguRules) GameStateUpdatedEvent() string   { return EvDiguStateUpdated }
func (diguRules) RoundStartedEvent() string       { return EvDiguMatchStarted }
func (diguRules) PlayerDisconnectedEvent() string { return EvDiguPlayerDisconnected }

// RelayEventName: digu's turn events are already distinctly named, so they
// are rebroadcast unchanged.
func (diguRules) RelayEventName(inbound string) string { return inbound }

// ClampDiguMaxPlayers enforces spec.md §9's resolved Open Question: digu's
// maxPlayers is clamped to [2,4] rather than rejected. 0 means "unspecified"
// and defaults to a full table of four.
func ClampDiguMaxPlayers(requested int) int {
	if requested == 0 {
		return 4
	}
	if requested < 2 {
		return 2
	}
	if requested > 4 {
		return 4
	}
	return requested
}
