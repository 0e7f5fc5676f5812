package coordinator

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoomAssignsUniqueCodes(t *testing.T) {
	hub := newTestHub(t)
	registry := hub.Sessions()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		sid := "sid-" + itoa(i)
		newTestSession(registry, sid)
		room, err := hub.CreateRoom(GameDhihaEi, sid, "Player", "manual", 0)
		require.NoError(t, err)
		assert.False(t, seen[room.Code], "room code %q reused", room.Code)
		seen[room.Code] = true
		assert.Len(t, room.Code, roomCodeLength)
	}
}

func TestCreateRoomDhihaEiAlwaysFourSeats(t *testing.T) {
	hub := newTestHub(t)
	newTestSession(hub.Sessions(), "sid-host")
	room, err := hub.CreateRoom(GameDhihaEi, "sid-host", "Host", "manual", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, room.MaxPlayers)
}

func TestCreateRoomDiguClampsMaxPlayers(t *testing.T) {
	hub := newTestHub(t)
	newTestSession(hub.Sessions(), "sid-host")
	room, err := hub.CreateRoom(GameDigu, "sid-host", "Host", "manual", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, room.MaxPlayers, "a requested size below the minimum clamps up to 2")
}

func TestCreateRoomFromMatchSeatsEveryEntry(t *testing.T) {
	hub := newTestHub(t)
	registry := hub.Sessions()
	entries := []QueueEntry{
		{SID: "sid-1", PlayerName: "P1"},
		{SID: "sid-2", PlayerName: "P2"},
		{SID: "sid-3", PlayerName: "P3"},
		{SID: "sid-4", PlayerName: "P4"},
	}
	for _, e := range entries {
		newTestSession(registry, e.SID)
	}

	room, err := hub.CreateRoomFromMatch(GameDhihaEi, entries)
	require.NoError(t, err)
	assert.Equal(t, 4, room.PlayerCount())
	assert.Equal(t, 0, room.HostPosition())
}

func TestJoinQueueDrainsAndPositionsEveryone(t *testing.T) {
	hub := newTestHub(t)
	registry := hub.Sessions()
	var last map[string]int
	for i, name := range []string{"P1", "P2", "P3", "P4"} {
		sid := "sid-" + name
		newTestSession(registry, sid)
		room, positions, err := hub.JoinQueue(QueueEntry{SID: sid, PlayerName: name, GameType: GameDhihaEi})
		require.NoError(t, err)
		if i < 3 {
			assert.Nil(t, room)
			continue
		}
		require.NotNil(t, room)
		last = positions
	}
	require.Len(t, last, 4)
	for _, pos := range last {
		assert.GreaterOrEqual(t, pos, 0)
		assert.Less(t, pos, 4)
	}
}

func TestOnRoomEmptyRemovesRoomFromRegistry(t *testing.T) {
	hub := newTestHub(t)
	newTestSession(hub.Sessions(), "sid-solo")
	room, err := hub.CreateRoom(GameDigu, "sid-solo", "Solo", "manual", 2)
	require.NoError(t, err)

	_, ok := hub.GetRoom(GameDigu, room.Code)
	require.True(t, ok)

	hub.onRoomEmpty(GameDigu, room.Code)
	_, ok = hub.GetRoom(GameDigu, room.Code)
	assert.False(t, ok)
}

func TestCloseRoomForModeration(t *testing.T) {
	hub := newTestHub(t)
	_, fs := newTestSession(hub.Sessions(), "sid-host")
	room, err := hub.CreateRoom(GameDigu, "sid-host", "Host", "manual", 2)
	require.NoError(t, err)

	require.NoError(t, hub.CloseRoom(string(GameDigu), room.Code, "moderation test"))

	_, ok := hub.GetRoom(GameDigu, room.Code)
	assert.False(t, ok, "a closed room is removed from the registry")
	assert.Equal(t, 1, fs.count(EvRoomClosed))
}

func TestCloseRoomUnknownCodeErrors(t *testing.T) {
	hub := newTestHub(t)
	err := hub.CloseRoom(string(GameDigu), "NOPE12", "test")
	assert.Error(t, err)
}

func TestSnapshotReflectsRoomsSessionsAndQueues(t *testing.T) {
	hub := newTestHub(t)
	newTestSession(hub.Sessions(), "sid-host")
	room, err := hub.CreateRoom(GameDhihaEi, "sid-host", "Host", "manual", 0)
	require.NoError(t, err)

	newTestSession(hub.Sessions(), "sid-queued")
	_, _, err = hub.JoinQueue(QueueEntry{SID: "sid-queued", PlayerName: "Queued", GameType: GameDigu, DesiredMaxPlayers: 4})
	require.NoError(t, err)

	snap := hub.Snapshot()
	require.Len(t, snap.Rooms, 1)
	assert.Equal(t, room.Code, snap.Rooms[0].Code)
	assert.Equal(t, 2, snap.Counters["sessions"])

	foundDiguQueue := false
	for _, q := range snap.Queues {
		if q.GameType == string(GameDigu) {
			foundDiguQueue = true
			assert.Equal(t, 1, q.Length)
		}
	}
	assert.True(t, foundDiguQueue)
}

func TestCheckOriginAllowsConfiguredAndEmptyOrigin(t *testing.T) {
	hub := NewHub(nil, nil, []string{"https://thaasbai.example"})

	req := &http.Request{Header: make(http.Header)}
	assert.True(t, hub.checkOrigin(req), "no Origin header (non-browser client) is allowed")

	req.Header.Set("Origin", "https://thaasbai.example")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(req))
}
