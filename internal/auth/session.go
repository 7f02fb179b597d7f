package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookie holds the signed session of a browser login.
	SessionCookie = "_transmission_proxy"

	sessionIssuer = "transmission-proxy"

	// minSecretLen is the shortest HMAC key accepted for session
	// signing.
	minSecretLen = 32
)

var (
	ErrInvalidSession = errors.New("invalid session token")
	ErrSecretTooShort = fmt.Errorf("session secret must be at least %d bytes", minSecretLen)
)

// sessionClaims carries an identity. Subject is the identity name.
type sessionClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"prv"`
	Label    string `json:"lbl,omitempty"`
}

// SessionSigner issues and verifies HS256 session tokens.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionSigner creates a signer. Tokens expire after ttl.
func NewSessionSigner(secret []byte, ttl time.Duration) (*SessionSigner, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	return &SessionSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (s *SessionSigner) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for id. The anonymous identity cannot hold a
// session.
func (s *SessionSigner) Issue(id Identity) (string, error) {
	if id.IsAnonymous() {
		return "", fmt.Errorf("issuing session: anonymous identity")
	}

	now := s.now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   id.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Provider: id.Provider.Type.String(),
		Label:    id.Provider.Label,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature, issuer and expiry and returns the
// identity it carries.
func (s *SessionSigner) Verify(token string) (Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Anonymous, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if claims.Subject == "" {
		return Anonymous, ErrInvalidSession
	}

	switch claims.Provider {
	case ProviderBasic.String():
		return Identity{Provider: Basic(), Name: claims.Subject}, nil
	case ProviderOAuth2.String():
		if claims.Label == "" {
			return Anonymous, ErrInvalidSession
		}
		return Identity{Provider: OAuth2(claims.Label), Name: claims.Subject}, nil
	default:
		return Anonymous, ErrInvalidSession
	}
}
