package auth

import (
	"context"
	"log/slog"
	"net/http"
)

// Provider is the capability every authentication strategy shares.
type Provider interface {
	Kind() ProviderKind
	Enabled() bool
	Visible() bool
}

// PasswordAuthenticator verifies a username and password, as presented
// in a Basic Authorization header.
type PasswordAuthenticator interface {
	Provider
	Authenticate(ctx context.Context, username, password string) (Identity, error)
}

// ProvidersConfig is the providers section of the policy file.
type ProvidersConfig struct {
	Basic  BasicConfig    `yaml:"basic"`
	OAuth2 []OAuth2Config `yaml:"oauth2" validate:"dive"`
}

// Providers is an immutable set of configured providers.
type Providers struct {
	basic  *BasicProvider
	oauth2 []*OAuth2Provider
	byName map[string]*OAuth2Provider
}

// NewProviders groups providers. basic may be nil.
func NewProviders(basic *BasicProvider, oauth ...*OAuth2Provider) *Providers {
	p := &Providers{
		basic:  basic,
		oauth2: oauth,
		byName: make(map[string]*OAuth2Provider, len(oauth)),
	}
	for _, o := range oauth {
		p.byName[o.Name()] = o
	}
	return p
}

// BuildProviders constructs providers from configuration. OAuth2
// callbacks are rooted at publicURL and share logins.
func BuildProviders(cfg ProvidersConfig, publicURL string, logins *LoginStore, httpClient *http.Client, logger *slog.Logger) *Providers {
	oauth := make([]*OAuth2Provider, 0, len(cfg.OAuth2))
	for _, oc := range cfg.OAuth2 {
		oauth = append(oauth, NewOAuth2Provider(oc, publicURL, logins, httpClient, logger))
	}
	return NewProviders(NewBasicProvider(cfg.Basic), oauth...)
}

// Providers returns p, so a fixed set can serve as a ProviderSource.
func (p *Providers) Providers() *Providers {
	return p
}

// Basic returns the basic provider, or nil.
func (p *Providers) Basic() *BasicProvider {
	return p.basic
}

// BasicEnabled reports whether Basic credentials can succeed.
func (p *Providers) BasicEnabled() bool {
	return p.basic != nil && p.basic.Enabled()
}

// OAuth2 returns the named OAuth2 provider, or nil.
func (p *Providers) OAuth2(name string) *OAuth2Provider {
	return p.byName[name]
}

// Visible lists the providers to advertise on the login page, basic
// first and then OAuth2 in configuration order.
func (p *Providers) Visible() []Provider {
	var out []Provider
	if p.basic != nil && p.basic.Visible() {
		out = append(out, p.basic)
	}
	for _, o := range p.oauth2 {
		if o.Visible() {
			out = append(out, o)
		}
	}
	return out
}

// Enabled reports whether the provider of kind exists and is enabled.
func (p *Providers) Enabled(kind ProviderKind) bool {
	switch kind.Type {
	case ProviderBasic:
		return p.BasicEnabled()
	case ProviderOAuth2:
		o := p.byName[kind.Label]
		return o != nil && o.Enabled()
	default:
		return false
	}
}

// PasswordAuthenticators lists the providers that accept Basic
// credentials, in configuration order.
func (p *Providers) PasswordAuthenticators() []PasswordAuthenticator {
	if p.basic == nil {
		return nil
	}
	return []PasswordAuthenticator{p.basic}
}
