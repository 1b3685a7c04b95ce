package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"streamly/internal/rooms"
)

// Conn is the subset of a WebSocket connection the relay needs. Both
// gorilla/websocket and hertz-contrib/websocket connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one relay connection. It belongs to at most one room.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn     Conn
	send     chan []byte
	alive    atomic.Bool
	lastSeen atomic.Int64

	mu     sync.Mutex
	room   *rooms.Room
	closed bool
}

// Send queues data without blocking. A full queue drops the frame.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Room returns the name of the current room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.ID()
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) Alive() bool {
	return s.alive.Load()
}

func (s *Session) markAlive(now time.Time) {
	s.alive.Store(true)
	s.touch(now)
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) currentRoom() *rooms.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) writePump(writeTimeout time.Duration, now func() time.Time) {
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = s.conn.Close()
			// Keep draining so a concurrent Disconnect can close the queue.
			for range s.send {
			}
			return
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), now().Add(writeTimeout))
	_ = s.conn.Close()
}
