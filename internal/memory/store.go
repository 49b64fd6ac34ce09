// Package memory holds per-session working state shared across the
// reflection loop's components.
package memory

import (
	"fmt"
	"sync"

	"github.com/refinery-agent/refinery/internal/reflection"
)

// Session is the accumulated working state for one reflection session.
type Session struct {
	Goal string
	Gaps []reflection.Gap
}

// Store is an in-memory session store. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Open creates the session if it does not exist and records its goal.
func (s *Store) Open(sessionID, goal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{}
		s.sessions[sessionID] = sess
	}
	if goal != "" {
		sess.Goal = goal
	}
}

// AddGap appends a gap to the session. The session is created on first use so
// a detector running before Open does not lose its findings.
func (s *Store) AddGap(sessionID string, gap reflection.Gap) error {
	if sessionID == "" {
		return fmt.Errorf("memory: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{}
		s.sessions[sessionID] = sess
	}
	sess.Gaps = append(sess.Gaps, gap)
	return nil
}

// Gaps returns a copy of the session's accumulated gaps.
func (s *Store) Gaps(sessionID string) []reflection.Gap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]reflection.Gap, len(sess.Gaps))
	copy(out, sess.Gaps)
	return out
}

// Goal returns the session's recorded goal, or "".
func (s *Store) Goal(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.Goal
	}
	return ""
}

// Cleanup drops all state for the session. Unknown ids are a no-op.
func (s *Store) Cleanup(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
