package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/listening-rooms/pkg/models"
)

type memSession struct {
	userID   string
	username string
	rooms    map[string]struct{}
}

func (s *memSession) snapshot(connID string) models.PresenceSession {
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return models.PresenceSession{ConnectionID: connID, UserID: s.userID, Username: s.username, Rooms: rooms}
}

// MemoryRegistry keeps sessions in process memory.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	byUser   map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*memSession),
		byUser:   make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, connID, userID, username string) ([]models.PresenceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []models.PresenceSession
	if s, ok := r.sessions[connID]; ok {
		if s.userID == userID {
			s.username = username
			return nil, nil
		}
		// the connection now speaks for someone else; its old rooms must be vacated
		evicted = append(evicted, s.snapshot(connID))
		r.drop(connID)
	}

	others := make([]string, 0, len(r.byUser[userID]))
	for other := range r.byUser[userID] {
		others = append(others, other)
	}
	sort.Strings(others)
	for _, other := range others {
		evicted = append(evicted, r.sessions[other].snapshot(other))
		r.drop(other)
	}

	r.sessions[connID] = &memSession{userID: userID, username: username, rooms: make(map[string]struct{})}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
	return evicted, nil
}

func (r *MemoryRegistry) drop(connID string) {
	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	delete(r.sessions, connID)
	delete(r.byUser[s.userID], connID)
	if len(r.byUser[s.userID]) == 0 {
		delete(r.byUser, s.userID)
	}
}

func (r *MemoryRegistry) Lookup(_ context.Context, connID string) (models.PresenceSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return models.PresenceSession{}, false, nil
	}
	return s.snapshot(connID), true, nil
}

func (r *MemoryRegistry) RecordJoin(_ context.Context, connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		s.rooms[roomID] = struct{}{}
	}
	return nil
}

func (r *MemoryRegistry) RecordLeave(_ context.Context, connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		delete(s.rooms, roomID)
	}
	return nil
}

func (r *MemoryRegistry) RoomsOf(_ context.Context, connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil, nil
	}
	return s.snapshot(connID).Rooms, nil
}

func (r *MemoryRegistry) Forget(_ context.Context, connID string) (models.PresenceSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return models.PresenceSession{}, false, nil
	}
	snap := s.snapshot(connID)
	r.drop(connID)
	return snap, true, nil
}

func (r *MemoryRegistry) Connections(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), nil
}

type roomOccupancy struct {
	order     []string
	occupants map[string]models.Occupant
}

// MemoryTable keeps room occupancy in process memory. Rosters are returned in join order.
type MemoryTable struct {
	mu    sync.Mutex
	rooms map[string]*roomOccupancy
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{rooms: make(map[string]*roomOccupancy)}
}

func (t *MemoryTable) Join(_ context.Context, roomID string, occupant models.Occupant) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = &roomOccupancy{occupants: make(map[string]models.Occupant)}
		t.rooms[roomID] = room
	}
	if _, present := room.occupants[occupant.ConnectionID]; !present {
		room.order = append(room.order, occupant.ConnectionID)
	}
	room.occupants[occupant.ConnectionID] = occupant
	return len(room.order), nil
}

func (t *MemoryTable) Leave(_ context.Context, roomID, connID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return 0, nil
	}
	if _, present := room.occupants[connID]; present {
		delete(room.occupants, connID)
		for i, c := range room.order {
			if c == connID {
				room.order = append(room.order[:i], room.order[i+1:]...)
				break
			}
		}
	}
	if len(room.order) == 0 {
		delete(t.rooms, roomID)
	}
	return len(room.order), nil
}

func (t *MemoryTable) Roster(_ context.Context, roomID string) ([]models.Occupant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return []models.Occupant{}, nil
	}
	roster := make([]models.Occupant, 0, len(room.order))
	for _, c := range room.order {
		roster = append(roster, room.occupants[c])
	}
	return roster, nil
}

func (t *MemoryTable) Count(_ context.Context, roomID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.rooms[roomID]; ok {
		return len(room.order), nil
	}
	return 0, nil
}

func (t *MemoryTable) Rooms(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms, nil
}
