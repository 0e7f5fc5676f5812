package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thaasbai/coordinator/internal/reattach"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(nil, nil, []string{"http://localhost:3000"})
}

func dispatch(d *Dispatcher, s *Session, event string, data any) {
	raw, _ := json.Marshal(data)
	msg := Message{Event: event, Data: raw}
	framed, _ := json.Marshal(msg)
	d.Dispatch(context.Background(), s, framed)
}

func TestDispatchInvalidPayloadDoesNotTouchRoomState(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	s, fs := newTestSession(hub.Sessions(), "sid-1")

	d.Dispatch(context.Background(), s, []byte("not json"))

	require.Len(t, fs.messages, 1)
	assert.Equal(t, EvError, fs.last().Event)
	payload := fs.last().Data.(map[string]string)
	assert.Equal(t, ErrInvalidPayload, payload["code"])
}

func TestDispatchUnknownEventIsInvalidPayload(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	s, fs := newTestSession(hub.Sessions(), "sid-1")

	dispatch(d, s, "not_a_real_event", map[string]any{})

	payload := fs.last().Data.(map[string]string)
	assert.Equal(t, ErrInvalidPayload, payload["code"])
}

func TestDispatchRoomScopedEventWithoutBindingIsNotInRoom(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	s, fs := newTestSession(hub.Sessions(), "sid-1")

	dispatch(d, s, EvSetReady, map[string]any{"ready": true})

	payload := fs.last().Data.(map[string]string)
	assert.Equal(t, ErrNotInRoom, payload["code"])
}

// Round-trip law: create_room then leave_room with a solo host deletes the
// room; a subsequent join_room on that code is room_not_found.
func TestCreateThenSoloLeaveDeletesRoom(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	host, hostFS := newTestSession(hub.Sessions(), "sid-host")

	dispatch(d, host, EvCreateRoom, map[string]any{"playerName": "Host"})
	created := hostFS.last()
	require.Equal(t, EvRoomCreated, created.Event)
	roomID := created.Data.(map[string]any)["roomId"].(string)

	dispatch(d, host, EvLeaveRoom, map[string]any{})

	joiner, joinerFS := newTestSession(hub.Sessions(), "sid-joiner")
	dispatch(d, joiner, EvJoinRoom, map[string]any{"roomId": roomID, "playerName": "Joiner"})

	payload := joinerFS.last().Data.(map[string]string)
	assert.Equal(t, ErrRoomNotFound, payload["code"])
}

func TestJoinRoomNotFoundForUnknownCode(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	s, fs := newTestSession(hub.Sessions(), "sid-1")

	dispatch(d, s, EvJoinRoom, map[string]any{"roomId": "ZZZZZZ", "playerName": "Nobody"})

	payload := fs.last().Data.(map[string]string)
	assert.Equal(t, ErrRoomNotFound, payload["code"])
}

func TestSwapPlayerRejectsNonHost(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	host, _ := newTestSession(hub.Sessions(), "sid-host")
	dispatch(d, host, EvCreateRoom, map[string]any{"playerName": "Host"})

	var code string
	for c := range hub.rooms[GameDhihaEi] {
		code = c
	}
	require.NotEmpty(t, code)

	guest, guestFS := newTestSession(hub.Sessions(), "sid-guest")
	dispatch(d, guest, EvJoinRoom, map[string]any{"roomId": code, "playerName": "Guest"})

	dispatch(d, guest, EvSwapPlayer, map[string]any{"fromPosition": 0})
	payload := guestFS.last().Data.(map[string]string)
	assert.Equal(t, ErrNotHost, payload["code"])
}

func TestJoinQueueMatchmakingMatchedBroadcastToAllFour(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)

	names := []string{"P1", "P2", "P3", "P4"}
	var sessions []*Session
	var senders []*fakeSender
	for _, name := range names {
		s, fs := newTestSession(hub.Sessions(), "sid-"+name)
		sessions = append(sessions, s)
		senders = append(senders, fs)
	}

	for i, s := range sessions {
		dispatch(d, s, EvJoinQueue, map[string]any{"gameType": "dhiha-ei", "playerName": names[i]})
	}

	for _, fs := range senders {
		assert.Equal(t, 1, fs.count(EvMatchmakingMatched))
	}
}

func TestReattachRequiresMatchingToken(t *testing.T) {
	issuer := reattach.NewIssuer("test-secret")
	hub := NewHub(issuer, nil, nil)
	d := NewDispatcher(hub)

	host, _ := newTestSession(hub.Sessions(), "sid-host")
	dispatch(d, host, EvCreateRoom, map[string]any{"playerName": "Host"})

	var code string
	for c := range hub.rooms[GameDhihaEi] {
		code = c
	}
	require.NotEmpty(t, code)

	room, _ := hub.GetRoom(GameDhihaEi, code)
	room.Disconnect("sid-host")

	badToken, err := issuer.Issue("sid-host", string(GameDigu), code, 0) // wrong game type
	require.NoError(t, err)

	reconnecting, reconnFS := newTestSession(hub.Sessions(), "sid-host-2")
	dispatch(d, reconnecting, EvReattach, map[string]any{
		"roomId": code, "previousOderId": "sid-host", "token": badToken,
	})

	payload := reconnFS.last().Data.(map[string]string)
	assert.Equal(t, ErrInvalidPayload, payload["code"])
}

func TestReattachSucceedsWithValidToken(t *testing.T) {
	issuer := reattach.NewIssuer("test-secret")
	hub := NewHub(issuer, nil, nil)
	d := NewDispatcher(hub)

	host, _ := newTestSession(hub.Sessions(), "sid-host")
	dispatch(d, host, EvCreateRoom, map[string]any{"playerName": "Host"})

	var code string
	for c := range hub.rooms[GameDhihaEi] {
		code = c
	}
	room, _ := hub.GetRoom(GameDhihaEi, code)
	room.Disconnect("sid-host")

	token, err := issuer.Issue("sid-host", string(GameDhihaEi), code, 0)
	require.NoError(t, err)

	reconnecting, reconnFS := newTestSession(hub.Sessions(), "sid-host-2")
	dispatch(d, reconnecting, EvReattach, map[string]any{
		"roomId": code, "previousOderId": "sid-host", "token": token,
	})

	assert.Equal(t, EvRoomJoined, reconnFS.last().Event)
}

func TestPingKeepaliveRepliesConnected(t *testing.T) {
	hub := newTestHub(t)
	d := NewDispatcher(hub)
	s, fs := newTestSession(hub.Sessions(), "sid-1")

	dispatch(d, s, EvPingKeepalive, map[string]any{})

	assert.Equal(t, EvConnected, fs.last().Event)
}
