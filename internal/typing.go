package internal

import (
	"sync"
	"time"
)

// Typing indicators are cleared eagerly by stop_typing, send_message and
// disconnect; there is no background sweep. Readers still treat entries
// older than the TTL as expired so a client that silently stops typing
// cannot pin a stale indicator into snapshot queries forever.
const defaultTypingTTL = 6 * time.Second

// TypingTracker records the last typing signal per user per room.
type TypingTracker struct {
	mu    sync.Mutex
	rooms map[int64]map[int64]time.Time
	ttl   time.Duration
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		rooms: make(map[int64]map[int64]time.Time),
		ttl:   defaultTypingTTL,
	}
}

// Set upserts the typing timestamp for a user in a room.
func (t *TypingTracker) Set(roomID, userID int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[int64]time.Time)
		t.rooms[roomID] = users
	}
	users[userID] = now
}

// Clear removes the user's typing entry for a room. Reports whether an
// entry existed.
func (t *TypingTracker) Clear(roomID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// ClearAllForUser scans every room and removes the user's entries,
// returning the ids of the rooms that held one. Invoked on disconnect.
func (t *TypingTracker) ClearAllForUser(userID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var affected []int64
	for roomID, users := range t.rooms {
		if _, ok := users[userID]; ok {
			delete(users, userID)
			affected = append(affected, roomID)
			if len(users) == 0 {
				delete(t.rooms, roomID)
			}
		}
	}
	return affected
}

// DropRoom discards all typing state for a room (room deletion).
func (t *TypingTracker) DropRoom(roomID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

// TypingIn returns the users with a non-expired typing entry for the room.
func (t *TypingTracker) TypingIn(roomID int64, now time.Time) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	cutoff := now.Add(-t.ttl)
	var ids []int64
	for userID, last := range users {
		if last.After(cutoff) {
			ids = append(ids, userID)
		}
	}
	return ids
}
