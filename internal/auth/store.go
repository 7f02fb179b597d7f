// Package auth turns inbound credentials into identities: basic
// username/password users, OAuth2 logins against third-party issuers,
// and the signed session cookie that carries either across requests.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// loginExpiry bounds how long an OAuth2 login may wait for its
	// callback.
	loginExpiry = 10 * time.Minute

	// cleanupInterval controls how often expired logins are reaped.
	cleanupInterval = time.Minute

	// maxPendingLogins caps in-flight logins so unauthenticated login
	// initiations cannot grow memory without bound.
	maxPendingLogins = 10000
)

// ErrTooManyLogins is returned by Save when the store is full.
var ErrTooManyLogins = errors.New("too many pending logins")

// PendingLogin is an OAuth2 authorization in flight.
type PendingLogin struct {
	Provider   string
	State      string
	Verifier   string
	RedirectTo string
	ExpiresAt  time.Time
}

// LoginStore holds pending OAuth2 logins in memory. Entries are consumed
// exactly once and forgotten after loginExpiry.
type LoginStore struct {
	mu       sync.Mutex
	logins   map[string]*PendingLogin // login id -> login
	stopGC   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewLoginStore creates an empty store and starts a background goroutine
// that removes expired logins. Call Stop() to clean up the goroutine.
func NewLoginStore() *LoginStore {
	s := &LoginStore{
		logins: make(map[string]*PendingLogin),
		stopGC: make(chan struct{}),
		now:    time.Now,
	}
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *LoginStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *LoginStore) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired logins.
func (s *LoginStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, l := range s.logins {
		if now.After(l.ExpiresAt) {
			delete(s.logins, id)
		}
	}
}

// Save stores a login and returns its id. ExpiresAt is set by the store.
func (s *LoginStore) Save(l *PendingLogin) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.logins) >= maxPendingLogins {
		return "", ErrTooManyLogins
	}

	id := uuid.NewString()
	l.ExpiresAt = s.now().Add(loginExpiry)
	s.logins[id] = l

	return id, nil
}

// Consume retrieves and deletes a login. Returns nil if not found or
// expired.
func (s *LoginStore) Consume(id string) *PendingLogin {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logins[id]
	if !ok {
		return nil
	}
	delete(s.logins, id)

	if s.now().After(l.ExpiresAt) {
		return nil
	}
	return l
}

// Len returns the number of logins held, expired ones included until the
// next cleanup.
func (s *LoginStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logins)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
