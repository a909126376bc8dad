package internal

import "sync"

// SessionRegistry maps each authenticated user to their single live
// connection. A reconnect supersedes the previous handle (last writer wins);
// the superseded connection is returned so the caller can force-close it.
type SessionRegistry struct {
	mu    sync.Mutex
	conns map[int64]*Conn
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{conns: make(map[int64]*Conn)}
}

// Attach records the connection for a user and returns the handle it
// replaced, if any.
func (s *SessionRegistry) Attach(userID int64, conn *Conn) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conns[userID]
	s.conns[userID] = conn
	return prev
}

// Detach removes the mapping, but only if conn is still the current handle
// for the user. Reports whether the mapping was removed, so teardown for a
// superseded connection can skip the offline transition.
func (s *SessionRegistry) Detach(userID int64, conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] != conn {
		return false
	}
	delete(s.conns, userID)
	return true
}

// Get returns the live connection for a user, or nil.
func (s *SessionRegistry) Get(userID int64) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[userID]
}

// Online reports whether the user has a live connection.
func (s *SessionRegistry) Online(userID int64) bool {
	return s.Get(userID) != nil
}

// ActiveCount returns the number of connected users.
func (s *SessionRegistry) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
