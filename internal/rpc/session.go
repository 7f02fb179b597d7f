package rpc

import "sync"

// Session holds the daemon's current session token. It is shared by every
// client talking to the same daemon. Reads are concurrent; a refresh is
// exclusive and only replaces the token the caller saw rejected, so two
// overlapping conflicts cannot roll the token back.
type Session struct {
	mu    sync.RWMutex
	token string
}

// NewSession returns an empty session. The first call will be answered
// with a conflict that populates it.
func NewSession() *Session {
	return &Session{}
}

// Token returns the current token, or "" before the first handshake.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Update installs fresh if the stored token is still stale, and returns
// the token callers should use from now on. When another caller already
// refreshed past stale, its token is kept.
func (s *Session) Update(stale, fresh string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == stale {
		s.token = fresh
	}
	return s.token
}
