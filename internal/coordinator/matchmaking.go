package coordinator

import (
	"sync"
	"time"

	"github.com/thaasbai/coordinator/internal/metrics"
)

// MatchResult describes a synthesized room and one queued session's seat
// in it.
type MatchResult struct {
	Room     *Room
	Position int
	Entry    QueueEntry
}

// Matchmaker holds one FIFO queue per game type and pops groups atomically
// so a session is never drained into two rooms (spec.md §4.4).
type Matchmaker struct {
	mu     sync.Mutex
	queues map[GameType][]QueueEntry
}

func NewMatchmaker() *Matchmaker {
	return &Matchmaker{queues: make(map[GameType][]QueueEntry)}
}

// targetSize returns the match size for a queue entry: dhiha-ei is always
// exactly 4; digu uses the requested size (clamped [2,4], default 4).
func targetSize(gameType GameType, desired int) int {
	if gameType == GameDhihaEi {
		return 4
	}
	return ClampDiguMaxPlayers(desired)
}

// Join appends sid to the gameType queue. A session must appear in at most
// one queue; callers are expected to have called Leave for any prior queue
// membership first (enforced by the dispatcher via the session registry).
//
// Join returns the entries to drain into a new room when this join makes
// the queue reach its target size, or nil if the queue isn't full yet.
// The pop is performed under the same critical section as the append, so
// this is the single atomic "join, then maybe drain" operation spec.md
// §4.4 requires.
func (m *Matchmaker) Join(entry QueueEntry) []QueueEntry {
	entry.JoinedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[entry.GameType]
	q = append(q, entry)
	m.queues[entry.GameType] = q
	metrics.QueueLength.WithLabelValues(string(entry.GameType)).Set(float64(len(q)))

	size := targetSize(entry.GameType, entry.DesiredMaxPlayers)
	if len(q) < size {
		return nil
	}

	drained := append([]QueueEntry(nil), q[:size]...)
	m.queues[entry.GameType] = q[size:]
	metrics.QueueLength.WithLabelValues(string(entry.GameType)).Set(float64(len(m.queues[entry.GameType])))
	metrics.MatchesFormed.WithLabelValues(string(entry.GameType)).Inc()
	return drained
}

// Leave removes sid from its queue, if present. Always succeeds
// (best-effort, per spec.md §4.4).
func (m *Matchmaker) Leave(gameType GameType, sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[gameType]
	for i, e := range q {
		if e.SID == sid {
			m.queues[gameType] = append(q[:i], q[i+1:]...)
			metrics.QueueLength.WithLabelValues(string(gameType)).Set(float64(len(m.queues[gameType])))
			return
		}
	}
}

// Length returns the current length of a queue, for the admin snapshot.
func (m *Matchmaker) Length(gameType GameType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[gameType])
}
