// Package session tracks logical client sessions across the connections
// that carry them: delivery cursors per channel, the grace window after a
// drop, and catch-up replay on reconnect.
package session

import (
	"sync"
	"time"
)

// State is the lifecycle phase of a session.
type State uint8

const (
	// StateActive means a live connection is attached.
	StateActive State = iota
	// StateGrace means the connection dropped and the session is waiting
	// out the reconnection window.
	StateGrace
	// StateExpired means the grace window lapsed; the session is gone and
	// a reconnect attempt must start over.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateGrace:
		return "grace"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the durable identity behind a connection. All fields past the
// immutable header are guarded by mu; connections come and go underneath
// it.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	connID         string
	disconnectedAt time.Time
	lastDelivered  map[string]uint64
	channels       map[string]struct{}
}

func newSession(id, userID string) *Session {
	return &Session{
		ID:            id,
		UserID:        userID,
		CreatedAt:     time.Now().UTC(),
		lastDelivered: make(map[string]uint64),
		channels:      make(map[string]struct{}),
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnID reports the attached connection, empty while in grace.
func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Track registers a channel with the session and pins its delivery cursor
// at the given sequence, so replay never reaches back before the
// subscription existed.
func (s *Session) Track(channel string, current uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; ok {
		return
	}
	s.channels[channel] = struct{}{}
	s.lastDelivered[channel] = current
}

// Untrack forgets a channel and its cursor.
func (s *Session) Untrack(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
	delete(s.lastDelivered, channel)
}

// Channels returns the tracked channel set.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// MarkDelivered advances the delivery cursor for a channel. Cursors only
// move forward; a stale mark is ignored.
func (s *Session) MarkDelivered(channel string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastDelivered[channel] {
		s.lastDelivered[channel] = seq
	}
}

// LastDelivered reads the delivery cursor for a channel.
func (s *Session) LastDelivered(channel string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered[channel]
}

// cursors snapshots all delivery cursors.
func (s *Session) cursors() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.lastDelivered))
	for ch, seq := range s.lastDelivered {
		out[ch] = seq
	}
	return out
}
