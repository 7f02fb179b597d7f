package auth

import "fmt"

// ProviderType enumerates the authentication strategies.
type ProviderType int

const (
	// ProviderNone marks the anonymous identity.
	ProviderNone ProviderType = iota
	ProviderBasic
	ProviderOAuth2
)

func (t ProviderType) String() string {
	switch t {
	case ProviderBasic:
		return "basic"
	case ProviderOAuth2:
		return "oauth2"
	default:
		return "none"
	}
}

// ProviderKind names the provider that vouched for an identity. Label is
// the configured provider name for OAuth2 and empty otherwise.
type ProviderKind struct {
	Type  ProviderType
	Label string
}

// Basic is the kind of the username/password provider.
func Basic() ProviderKind {
	return ProviderKind{Type: ProviderBasic}
}

// OAuth2 is the kind of the named OAuth2 provider.
func OAuth2(label string) ProviderKind {
	return ProviderKind{Type: ProviderOAuth2, Label: label}
}

func (k ProviderKind) String() string {
	if k.Type == ProviderOAuth2 {
		return "oauth2/" + k.Label
	}
	return k.Type.String()
}

// Identity is a resolved caller. Two identities are the same caller
// exactly when they compare equal.
type Identity struct {
	Provider ProviderKind
	Name     string
}

// Anonymous is the identity of a request that presented no credentials.
var Anonymous = Identity{}

// IsAnonymous reports whether id is the anonymous sentinel.
func (id Identity) IsAnonymous() bool {
	return id == Anonymous
}

func (id Identity) String() string {
	if id.IsAnonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("%s:%s", id.Provider, id.Name)
}
