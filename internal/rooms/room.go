package rooms

import (
	"sync"
)

// Member is anything that can receive room traffic. Send must not block.
type Member interface {
	Send(data []byte) bool
}

type Room struct {
	id          string
	members     map[Member]struct{}
	closed      bool
	unsubscribe func()
	mu          sync.RWMutex
}

func NewRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[Member]struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) Has(member Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[member]
	return ok
}

func (r *Room) add(member Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.members[member] = struct{}{}
	return true
}

// remove reports whether the room became empty (and is now closed) and
// whether member was present at all.
func (r *Room) remove(member Member) (empty, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[member]; !ok {
		return false, false
	}
	delete(r.members, member)
	if len(r.members) == 0 {
		r.closed = true
		return true, true
	}
	return false, true
}

func (r *Room) fanOut(from Member, data []byte) int {
	r.mu.RLock()
	targets := make([]Member, 0, len(r.members))
	for member := range r.members {
		if member == from {
			continue
		}
		targets = append(targets, member)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, member := range targets {
		if member.Send(data) {
			delivered++
		}
	}
	return delivered
}

// deliverRemote hands a frame published by another relay instance to every
// local member.
func (r *Room) deliverRemote(data []byte) {
	r.fanOut(nil, data)
}

func (r *Room) detachBackplane() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
