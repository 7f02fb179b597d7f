package auth

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/transmission-proxy/internal/errors"
)

// ProviderSource yields the current provider set. A reloadable policy
// returns a new set after each reload.
type ProviderSource interface {
	Providers() *Providers
}

// Resolver turns a request's credentials into an identity.
type Resolver struct {
	source   ProviderSource
	sessions *SessionSigner
	logger   *slog.Logger
}

// NewResolver creates a resolver. sessions may be nil to disable session
// cookies.
func NewResolver(source ProviderSource, sessions *SessionSigner, logger *slog.Logger) *Resolver {
	return &Resolver{source: source, sessions: sessions, logger: logger}
}

// Providers returns the current provider set.
func (r *Resolver) Providers() *Providers {
	return r.source.Providers()
}

// Resolve returns the caller's identity. A valid session cookie wins,
// then a Basic Authorization header checked against each password
// provider in order. A request with neither is Anonymous. Only bad or
// malformed credentials produce an error.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	providers := r.source.Providers()

	if id, ok := r.fromSession(req, providers); ok {
		return id, nil
	}

	header := req.Header.Get("Authorization")
	if header == "" {
		return Anonymous, nil
	}

	username, password, err := ParseBasic(header)
	if err != nil {
		return Anonymous, err
	}

	err = apperrors.ErrProviderDisabled
	for _, p := range providers.PasswordAuthenticators() {
		if !p.Enabled() {
			continue
		}
		id, authErr := p.Authenticate(req.Context(), username, password)
		if authErr == nil {
			return id, nil
		}
		err = authErr
	}

	r.logger.Debug("resolver: basic credentials rejected",
		slog.String("username", username),
		slog.String("error", err.Error()),
	)

	return Anonymous, err
}

func (r *Resolver) fromSession(req *http.Request, providers *Providers) (Identity, bool) {
	if r.sessions == nil {
		return Anonymous, false
	}

	c, err := req.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return Anonymous, false
	}

	id, err := r.sessions.Verify(c.Value)
	if err != nil {
		r.logger.Debug("resolver: ignoring invalid session cookie", slog.String("error", err.Error()))
		return Anonymous, false
	}

	if !providers.Enabled(id.Provider) {
		r.logger.Debug("resolver: session provider no longer enabled", slog.String("identity", id.String()))
		return Anonymous, false
	}

	return id, true
}

// ParseBasic decodes a Basic Authorization header value.
func ParseBasic(header string) (username, password string, err error) {
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", apperrors.ErrMalformedCredentials
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", errors.Join(apperrors.ErrMalformedCredentials, err)
	}

	username, password, ok = strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", apperrors.ErrMalformedCredentials
	}

	return username, password, nil
}
