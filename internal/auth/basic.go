package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	apperrors "github.com/alexjbarnes/transmission-proxy/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// BasicUser is one configured username with its bcrypt password hash.
type BasicUser struct {
	Username string `yaml:"username" validate:"required,excludes=:"`
	Password string `yaml:"password" validate:"required,bcrypt"`
}

// BasicConfig configures the username/password provider.
type BasicConfig struct {
	Enabled bool        `yaml:"enabled"`
	Visible bool        `yaml:"visible"`
	Users   []BasicUser `yaml:"users" validate:"dive"`
}

// dummyHash is compared against when the username is unknown so that a
// miss costs the same bcrypt work as a wrong password.
var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

func getDummyHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("transmission-proxy"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// BasicProvider checks usernames and passwords against bcrypt hashes.
// Successful checks are remembered per user so clients that send
// credentials on every call only pay for bcrypt once.
type BasicProvider struct {
	enabled bool
	visible bool
	users   map[string][]byte // username -> bcrypt hash

	mu       sync.Mutex
	verified map[string][sha256.Size]byte // username -> sha256(password)
}

// NewBasicProvider builds a provider from configuration. Later entries
// for the same username are ignored.
func NewBasicProvider(cfg BasicConfig) *BasicProvider {
	users := make(map[string][]byte, len(cfg.Users))
	for _, u := range cfg.Users {
		if _, dup := users[u.Username]; dup {
			continue
		}
		users[u.Username] = []byte(u.Password)
	}

	return &BasicProvider{
		enabled:  cfg.Enabled,
		visible:  cfg.Visible,
		users:    users,
		verified: make(map[string][sha256.Size]byte),
	}
}

func (p *BasicProvider) Kind() ProviderKind { return Basic() }
func (p *BasicProvider) Enabled() bool      { return p.enabled }
func (p *BasicProvider) Visible() bool      { return p.enabled && p.visible }

// Authenticate returns the identity for username when password matches.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (p *BasicProvider) Authenticate(_ context.Context, username, password string) (Identity, error) {
	if !p.enabled {
		return Anonymous, apperrors.ErrProviderDisabled
	}

	sum := sha256.Sum256([]byte(password))

	p.mu.Lock()
	cached, ok := p.verified[username]
	p.mu.Unlock()
	if ok && subtle.ConstantTimeCompare(cached[:], sum[:]) == 1 {
		return Identity{Provider: Basic(), Name: username}, nil
	}

	hash, known := p.users[username]
	if !known {
		_ = bcrypt.CompareHashAndPassword(getDummyHash(), []byte(password))
		return Anonymous, apperrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Anonymous, apperrors.ErrInvalidCredentials
	}

	p.mu.Lock()
	p.verified[username] = sum
	p.mu.Unlock()

	return Identity{Provider: Basic(), Name: username}, nil
}
