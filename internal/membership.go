package internal

import "sync"

// RoomMembers tracks which connected users are currently joined to each
// room. This is live view state only: it says nothing about who has ever
// posted in a room, and it is wiped on restart.
type RoomMembers struct {
	mu    sync.RWMutex
	rooms map[int64]map[int64]struct{}
}

func NewRoomMembers() *RoomMembers {
	return &RoomMembers{rooms: make(map[int64]map[int64]struct{})}
}

// Join adds the user to the room's member set, creating the set if absent.
func (m *RoomMembers) Join(roomID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[roomID]
	if !ok {
		set = make(map[int64]struct{})
		m.rooms[roomID] = set
	}
	set[userID] = struct{}{}
}

// Leave removes the user from the room. When the set becomes empty the room
// entry itself is dropped so the map does not accumulate dead keys.
func (m *RoomMembers) Leave(roomID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(roomID, userID)
}

func (m *RoomMembers) leaveLocked(roomID, userID int64) {
	set, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m.rooms, roomID)
	}
}

// LeaveAll removes the user from every room and returns the ids of the rooms
// that were affected. Used by disconnect teardown.
func (m *RoomMembers) LeaveAll(userID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []int64
	for roomID, set := range m.rooms {
		if _, ok := set[userID]; ok {
			affected = append(affected, roomID)
			m.leaveLocked(roomID, userID)
		}
	}
	return affected
}

// Drop removes a room's member set entirely, regardless of content.
func (m *RoomMembers) Drop(roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
}

// MembersOf returns a snapshot of the room's current member ids. Callers
// must not assume the set is still accurate by the time they act on it.
func (m *RoomMembers) MembersOf(roomID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the user is currently joined to the room.
func (m *RoomMembers) Contains(roomID, userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][userID]
	return ok
}

// IsEmpty reports whether the room has no live members.
func (m *RoomMembers) IsEmpty(roomID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID]) == 0
}
