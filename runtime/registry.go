package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"sync"
)

// Ensure *Registry implements the contract.IRegistry interface at compile time.
var _ contract.IRegistry = (*Registry)(nil)

// roomMembers is the member set of one room, guarded by its own lock
// so that rooms never contend with each other.
// An evicted entry has been unlinked from the registry and must not be reused.
type roomMembers struct {
	mu      sync.RWMutex
	sinks   map[domain.ConnectionID]contract.EventSink
	evicted bool
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]*roomMembers
}

// RegistryStats counts rooms and memberships, never who the members are.
type RegistryStats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomName]*roomMembers)}
}

// Join adds a connection to a room, creating the room on the fly.
// Joining twice keeps a single membership, the latest sink wins.
func (r *Registry) Join(room domain.RoomName, id domain.ConnectionID, sink contract.EventSink) {
	for {
		members := r.getOrCreate(room)
		members.mu.Lock()
		if members.evicted {
			// Lost a race against the last Leave, the room has to be created again
			members.mu.Unlock()
			continue
		}
		members.sinks[id] = sink
		members.mu.Unlock()
		return
	}
}

// Leave removes a connection from a room.
// Leaving an unknown room or a room the connection is not in is a no-op.
// The room entry is dropped as soon as nobody is left in it to prevent memory leaks over time.
func (r *Registry) Leave(room domain.RoomName, id domain.ConnectionID) {
	r.mu.RLock()
	members, ok := r.rooms[room]
	r.mu.RUnlock()
	if !ok {
		return
	}

	members.mu.Lock()
	defer members.mu.Unlock()
	delete(members.sinks, id)
	if len(members.sinks) > 0 || members.evicted {
		return
	}
	members.evicted = true

	// Lock order is always room then registry, Join and Members never hold
	// the registry lock while waiting on a room.
	r.mu.Lock()
	if r.rooms[room] == members {
		delete(r.rooms, room)
	}
	r.mu.Unlock()
}

// Members returns a snapshot of the room members.
// The slice is owned by the caller and safe to iterate while the room keeps changing.
func (r *Registry) Members(room domain.RoomName) []contract.Member {
	r.mu.RLock()
	members, ok := r.rooms[room]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	members.mu.RLock()
	defer members.mu.RUnlock()
	if len(members.sinks) == 0 {
		return nil
	}
	snapshot := make([]contract.Member, 0, len(members.sinks))
	for id, sink := range members.sinks {
		snapshot = append(snapshot, contract.Member{ID: id, Sink: sink})
	}
	return snapshot
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	rooms := make([]*roomMembers, 0, len(r.rooms))
	for _, members := range r.rooms {
		rooms = append(rooms, members)
	}
	r.mu.RUnlock()

	stats := RegistryStats{Rooms: len(rooms)}
	for _, members := range rooms {
		members.mu.RLock()
		stats.Members += len(members.sinks)
		members.mu.RUnlock()
	}
	return stats
}

func (r *Registry) getOrCreate(room domain.RoomName) *roomMembers {
	r.mu.RLock()
	members, ok := r.rooms[room]
	r.mu.RUnlock()
	if ok {
		return members
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok = r.rooms[room]; !ok {
		members = &roomMembers{sinks: make(map[domain.ConnectionID]contract.EventSink)}
		r.rooms[room] = members
	}
	return members
}
