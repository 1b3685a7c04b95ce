package rooms

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Backplane fans room traffic out to other relay instances.
type Backplane interface {
	Subscribe(room string, deliver func(data []byte)) (unsubscribe func(), err error)
	Publish(room string, data []byte) error
}

type Option func(*Manager)

func WithBackplane(b Backplane) Option {
	return func(m *Manager) {
		m.backplane = b
	}
}

// Manager is the registry of live rooms. A room exists exactly while it has
// at least one member.
type Manager struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	backplane Backplane
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rooms: make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join adds member to the named room, creating the room if needed.
func (m *Manager) Join(name string, member Member) *Room {
	for {
		room := m.getOrCreate(name)
		if room.add(member) {
			log.Debug().Str("room", name).Int("members", room.ParticipantCount()).Msg("member joined room")
			return room
		}
		// The room emptied and closed between lookup and add; retry with a fresh one.
	}
}

// Leave removes member from room and deletes the room once it is empty.
func (m *Manager) Leave(room *Room, member Member) {
	if room == nil {
		return
	}
	empty, removed := room.remove(member)
	if !removed || !empty {
		return
	}

	m.mu.Lock()
	current, ok := m.rooms[room.ID()]
	if ok && current == room {
		delete(m.rooms, room.ID())
	}
	m.mu.Unlock()

	room.detachBackplane()
	log.Debug().Str("room", room.ID()).Msg("room deleted")
}

// Broadcast queues data for every member of room except from and mirrors it
// to the backplane. It returns the number of local members that accepted it.
func (m *Manager) Broadcast(room *Room, from Member, data []byte) int {
	if room == nil {
		return 0
	}
	delivered := room.fanOut(from, data)
	if m.backplane != nil {
		if err := m.backplane.Publish(room.ID(), data); err != nil {
			log.Warn().Err(err).Str("room", room.ID()).Msg("backplane publish failed")
		}
	}
	return delivered
}

func (m *Manager) Lookup(name string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[name]
	return room, ok
}

func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Snapshot returns member counts keyed by room name.
func (m *Manager) Snapshot() map[string]int {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	counts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		if n := room.ParticipantCount(); n > 0 {
			counts[room.ID()] = n
		}
	}
	return counts
}

// Names returns the live room names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) getOrCreate(name string) *Room {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[name]; ok {
		return room
	}
	room = NewRoom(name)
	if m.backplane != nil {
		unsubscribe, err := m.backplane.Subscribe(name, room.deliverRemote)
		if err != nil {
			log.Warn().Err(err).Str("room", name).Msg("backplane subscribe failed")
		} else {
			room.unsubscribe = unsubscribe
		}
	}
	m.rooms[name] = room
	return room
}
