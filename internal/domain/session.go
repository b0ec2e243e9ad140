package domain

import (
	"sync"
	"time"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID    string
	Email     string
	Username  string
	Anonymous bool
}

// AnonymousIdentity is used when authentication is disabled or no token was sent.
func AnonymousIdentity() Identity {
	return Identity{UserID: "anonymous", Anonymous: true}
}

// Session represents one client's websocket connection to a room.
type Session struct {
	ID           string
	Room         Room
	Identity     Identity
	CreatedAt    time.Time
	LastActiveAt time.Time

	counted bool
	mu      sync.RWMutex
}

// NewSession creates a session bound to a room.
func NewSession(id string, room Room, identity Identity) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Room:         room,
		Identity:     identity,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// MarkCounted records that the room's presence counter was incremented for
// this session.
func (s *Session) MarkCounted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counted = true
}

// TakeCounted reports whether the session holds a presence increment and
// clears the mark, so the matching decrement is issued at most once.
func (s *Session) TakeCounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counted
	s.counted = false
	return c
}

// UpdateActivity updates the last active timestamp.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
