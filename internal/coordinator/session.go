package coordinator

import (
	"sync"
	"time"
)

// Sender abstracts the transport connection a Session is attached to, so
// the coordinator can be tested without a real WebSocket.
type Sender interface {
	// Send enqueues an outbound frame. It must never block; if the
	// session's send buffer is full the session is considered unhealthy
	// and Send returns false.
	Send(event string, data any) bool
	// Close tears down the underlying transport connection.
	Close()
}

// Session is bound to a transport connection for its lifetime; it may be
// attached to at most one Room at a time.
type Session struct {
	SID            string
	RemoteIP       string
	CorrelationID  string
	ConnectedAt    time.Time

	sender Sender

	mu             sync.Mutex
	lastActivityAt time.Time
	bound          bool
	gameType       GameType
	roomCode       string
	position       int
}

func newSession(sid, remoteIP, correlationID string, sender Sender) *Session {
	now := time.Now()
	return &Session{
		SID:           sid,
		RemoteIP:      remoteIP,
		CorrelationID: correlationID,
		ConnectedAt:   now,
		sender:        sender,
		lastActivityAt: now,
	}
}

// Send proxies to the underlying Sender.
func (s *Session) Send(event string, data any) bool {
	return s.sender.Send(event, data)
}

// Touch stamps last-activity time; called on every inbound frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Binding returns the current room binding, if any.
func (s *Session) Binding() (gameType GameType, code string, position int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameType, s.roomCode, s.position, s.bound
}

func (s *Session) bind(gameType GameType, code string, position int) {
	s.mu.Lock()
	s.bound = true
	s.gameType = gameType
	s.roomCode = code
	s.position = position
	s.mu.Unlock()
}

func (s *Session) unbind() {
	s.mu.Lock()
	s.bound = false
	s.gameType = ""
	s.roomCode = ""
	s.position = 0
	s.mu.Unlock()
}

// SessionRegistry is the single process-wide sid -> Session mapping
// (spec.md §4.2).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.SID] = s
	r.mu.Unlock()
}

func (r *SessionRegistry) Unregister(sid string) {
	r.mu.Lock()
	delete(r.sessions, sid)
	r.mu.Unlock()
}

func (r *SessionRegistry) Lookup(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Bind records that sid now occupies position in the room identified by
// (gameType, code).
func (r *SessionRegistry) Bind(sid string, gameType GameType, code string, position int) {
	if s, ok := r.Lookup(sid); ok {
		s.bind(gameType, code, position)
	}
}

// Unbind clears any room binding for sid.
func (r *SessionRegistry) Unbind(sid string) {
	if s, ok := r.Lookup(sid); ok {
		s.unbind()
	}
}

// ForEachInRoom calls fn for every registered session currently bound to
// (gameType, code).
func (r *SessionRegistry) ForEachInRoom(gameType GameType, code string, fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		gt, c, _, ok := s.Binding()
		if ok && gt == gameType && c == code {
			fn(s)
		}
	}
}

// ForEach calls fn for every registered session. Used by the admin snapshot
// and the idle-connection sweep.
func (r *SessionRegistry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Responsive reports whether the registry's lock can be acquired within
// timeout — spec.md §4.8's liveness check ("a lock-try with a 50 ms
// timeout"). A registry wedged by a stuck holder reports unresponsive
// rather than blocking the health probe.
func (r *SessionRegistry) Responsive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.mu.RLock()
		r.mu.RUnlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
