package relay

import (
	"sync"
	"sync/atomic"

	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

// Session is one connected client. Its outbound messages are queued on a
// buffered channel drained by the client's write pump.
type Session struct {
	id   string
	send chan protocol.Outbound

	mu       sync.Mutex
	userID   string
	username string
	roomID   string
	deviceID string
	address  string
	baudRate int
	lease    *Lease
	closed   bool

	// ops serializes protocol operations for the session.
	ops sync.Mutex

	dropped atomic.Int64
}

// SessionInfo is a copy of a session's identity and attachment.
type SessionInfo struct {
	ID       string `json:"id"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

func newSession(id string, buffer int) *Session {
	return &Session{id: id, send: make(chan protocol.Outbound, buffer)}
}

func (s *Session) ID() string { return s.id }

// Outbox is closed when the session is disconnected.
func (s *Session) Outbox() <-chan protocol.Outbound { return s.send }

// Deliver queues msg without blocking. It returns false when the session
// is closed or its queue is full.
func (s *Session) Deliver(msg protocol.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped counts messages discarded because the queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:       s.id,
		UserID:   s.userID,
		Username: s.username,
		RoomID:   s.roomID,
		DeviceID: s.deviceID,
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session closed and closes its outbox. It reports
// whether this call did the closing.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}
