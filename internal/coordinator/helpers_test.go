package coordinator

import (
	"encoding/json"
	"sync"
)

// recordedMessage is one call captured by a fakeSender.
type recordedMessage struct {
	Event string
	Data  any
}

// fakeSender is a Sender that records every outbound frame instead of
// writing to a real transport, mirroring the teacher's mock-connection
// pattern for testing Client/Room logic without a socket.
type fakeSender struct {
	mu       sync.Mutex
	messages []recordedMessage
	closed   bool
	full     bool // simulate a saturated send buffer
}

func (f *fakeSender) Send(event string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.messages = append(f.messages, recordedMessage{Event: event, Data: data})
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Event
	}
	return out
}

func (f *fakeSender) last() recordedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return recordedMessage{}
	}
	return f.messages[len(f.messages)-1]
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.Event == event {
			n++
		}
	}
	return n
}

// newTestSession registers sid in registry with a fakeSender and returns
// both, so tests can assert on what the room/dispatcher sent it.
func newTestSession(registry *SessionRegistry, sid string) (*Session, *fakeSender) {
	fs := &fakeSender{}
	s := newSession(sid, "203.0.113.1:5555", "test-correlation", fs)
	registry.Register(s)
	return s, fs
}

// rawJSON marshals v for use as a turn-event payload in RelayTurnEvent
// tests.
func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
