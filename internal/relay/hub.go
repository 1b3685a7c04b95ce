package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"streamly/internal/protocol"
	"streamly/internal/rooms"
)

// Config holds the relay tuning knobs.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
	ReadLimit    int64
	SendBuffer   int
	AckJoins     bool
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxFrameSize: protocol.MaxFrameSize,
		ReadLimit:    1 << 20,
		SendBuffer:   32,
		AckJoins:     true,
	}
}

type Option func(*Hub)

func WithClock(clock clockwork.Clock) Option {
	return func(h *Hub) {
		h.clock = clock
	}
}

// Hub owns every relay session and routes frames between room members.
// Payloads are opaque: only the type and room fields are inspected.
type Hub struct {
	config Config
	clock  clockwork.Clock
	rooms  *rooms.Manager

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// Stats is the JSON body of the room statistics endpoints.
type Stats struct {
	Sessions int            `json:"sessions"`
	Rooms    map[string]int `json:"rooms"`
}

func NewHub(config Config, manager *rooms.Manager, opts ...Option) *Hub {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.MaxFrameSize
	}
	if config.ReadLimit < int64(config.MaxFrameSize) {
		config.ReadLimit = DefaultConfig().ReadLimit
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	if manager == nil {
		manager = rooms.NewManager()
	}
	h := &Hub{
		config:   config,
		clock:    clockwork.NewRealClock(),
		rooms:    manager,
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Rooms() *rooms.Manager {
	return h.rooms
}

// Connect registers a new session that is not yet in any room and starts
// its writer.
func (h *Hub) Connect(conn Conn) *Session {
	now := h.clock.Now()
	s := &Session{
		ID:          uuid.New().String(),
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
	}
	s.markAlive(now)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	total := len(h.sessions)
	h.mu.Unlock()

	go s.writePump(h.config.WriteTimeout, h.clock.Now)

	log.Debug().Str("session_id", s.ID).Int("total_sessions", total).Msg("relay session connected")
	return s
}

// HandleMessage routes one inbound frame. Anything that does not parse, is
// too large, or does not target the session's room is dropped silently.
func (h *Hub) HandleMessage(s *Session, raw []byte) {
	if len(raw) > h.config.MaxFrameSize {
		log.Debug().Str("session_id", s.ID).Int("size", len(raw)).Msg("dropping oversized frame")
		return
	}
	s.touch(h.clock.Now())

	header, err := protocol.ParseHeader(raw)
	if err != nil {
		return
	}

	if header.Type == protocol.TypeJoin {
		if header.Room == "" {
			return
		}
		h.join(s, header.Room)
		return
	}

	room := s.currentRoom()
	if room == nil || header.Room == "" || header.Room != room.ID() {
		return
	}
	h.rooms.Broadcast(room, s, raw)
}

func (h *Hub) join(s *Session, name string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.room
	s.mu.Unlock()

	if prev == nil || prev.ID() != name {
		h.rooms.Leave(prev, s)
		room := h.rooms.Join(name, s)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			h.rooms.Leave(room, s)
			return
		}
		s.room = room
		s.mu.Unlock()

		log.Info().Str("session_id", s.ID).Str("room", name).Msg("session joined room")
	}

	if h.config.AckJoins {
		if ack, err := protocol.Encode(protocol.Joined{Room: name}); err == nil {
			s.Send(ack)
		}
	}
}

// Disconnect removes the session from its room and the hub. It is safe to
// call more than once.
func (h *Hub) Disconnect(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	room := s.room
	s.room = nil
	close(s.send)
	s.mu.Unlock()

	h.rooms.Leave(room, s)

	h.mu.Lock()
	delete(h.sessions, s)
	total := len(h.sessions)
	h.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Int("total_sessions", total).Msg("relay session disconnected")
}

// Sweep runs one liveness round: sessions that have not answered the
// previous ping are terminated, the rest are pinged again.
func (h *Hub) Sweep() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	deadline := h.clock.Now().Add(h.config.WriteTimeout)
	for _, s := range sessions {
		if !s.alive.Swap(false) {
			log.Info().
				Str("session_id", s.ID).
				Str("room", s.Room()).
				Time("last_seen", s.LastSeen()).
				Msg("terminating unresponsive session")
			_ = s.conn.Close()
			h.Disconnect(s)
			continue
		}
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("ping failed")
		}
	}
}

// Run sweeps every PingInterval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	log.Info().Dur("ping_interval", h.config.PingInterval).Msg("relay liveness loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay liveness loop stopped")
			return
		case <-ticker.Chan():
			h.Sweep()
		}
	}
}

// Serve runs the read loop of conn until it fails. The session is
// disconnected when Serve returns.
func (h *Hub) Serve(conn Conn) {
	conn.SetReadLimit(h.config.ReadLimit)
	s := h.Connect(conn)
	defer h.Disconnect(s)

	conn.SetPongHandler(func(string) error {
		s.markAlive(h.clock.Now())
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("relay read loop ended")
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		h.HandleMessage(s, data)
	}
}

// CloseAll terminates every session. Used on shutdown, since hijacked
// WebSocket connections outlive the HTTP server.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Disconnect(s)
	}
	log.Info().Int("sessions", len(sessions)).Msg("relay sessions closed")
}

func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Sessions: h.SessionCount(),
		Rooms:    h.rooms.Snapshot(),
	}
}
