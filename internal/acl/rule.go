// Package acl decides which daemon methods an identity may call and
// where its downloads live.
package acl

import (
	"fmt"
	"sort"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"gopkg.in/yaml.v3"
)

// allMethods is the keyword granting every method.
const allMethods = "all"

// Matcher selects one identity.
type Matcher struct {
	Provider string `yaml:"provider" validate:"required,oneof=basic oauth2"`
	OAuth2   string `yaml:"oauth2,omitempty" validate:"required_if=Provider oauth2,excluded_if=Provider basic"`
	Name     string `yaml:"name" validate:"required"`
}

// Identity returns the identity the matcher selects.
func (m Matcher) Identity() auth.Identity {
	if m.Provider == "oauth2" {
		return auth.Identity{Provider: auth.OAuth2(m.OAuth2), Name: m.Name}
	}
	return auth.Identity{Provider: auth.Basic(), Name: m.Name}
}

// MatchBasic builds a matcher for a basic-provider user.
func MatchBasic(name string) Matcher {
	return Matcher{Provider: "basic", Name: name}
}

// MatchOAuth2 builds a matcher for a user of the named OAuth2 provider.
func MatchOAuth2(provider, name string) Matcher {
	return Matcher{Provider: "oauth2", OAuth2: provider, Name: name}
}

// MethodSet is the allowed_methods of a rule. The zero value, an empty
// list and the keyword "all" are unrestricted.
type MethodSet struct {
	methods map[string]struct{}
}

// AllMethods returns an unrestricted set.
func AllMethods() MethodSet {
	return MethodSet{}
}

// Methods returns a set restricted to names. No names, or "all" among
// them, is unrestricted.
func Methods(names ...string) MethodSet {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == allMethods {
			return MethodSet{}
		}
		set[n] = struct{}{}
	}
	if len(set) == 0 {
		return MethodSet{}
	}
	return MethodSet{methods: set}
}

// Unrestricted reports whether every method is allowed.
func (s MethodSet) Unrestricted() bool {
	return s.methods == nil
}

// Allows reports whether method is in the set.
func (s MethodSet) Allows(method string) bool {
	if s.methods == nil {
		return true
	}
	_, ok := s.methods[method]
	return ok
}

// Names returns the allowed names in sorted order, or nil when
// unrestricted.
func (s MethodSet) Names() []string {
	if s.methods == nil {
		return nil
	}
	out := make([]string, 0, len(s.methods))
	for n := range s.methods {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// UnmarshalYAML accepts either the scalar "all" or a sequence of method
// names.
func (s *MethodSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = AllMethods()
			return nil
		}
		if node.Value != allMethods {
			return fmt.Errorf("line %d: allowed_methods must be %q or a list", node.Line, allMethods)
		}
		*s = AllMethods()
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return fmt.Errorf("line %d: decoding allowed_methods: %w", node.Line, err)
		}
		*s = Methods(names...)
		return nil
	default:
		return fmt.Errorf("line %d: allowed_methods must be %q or a list", node.Line, allMethods)
	}
}

// MarshalYAML writes "all" or the sorted list.
func (s MethodSet) MarshalYAML() (any, error) {
	if s.Unrestricted() {
		return allMethods, nil
	}
	return s.Names(), nil
}

// Rule is one ordered ACL entry. A rule with no identities matches every
// caller, anonymous included.
type Rule struct {
	Identities     []Matcher `yaml:"identities,omitempty" validate:"dive"`
	AllowedMethods MethodSet `yaml:"allowed_methods"`
	Deny           bool      `yaml:"deny,omitempty"`
	DownloadDir    string    `yaml:"download_dir,omitempty" validate:"omitempty,reldir"`

	// TrackerRules rewrite the announce URLs of torrents the caller adds
	// and of trackers it edits.
	TrackerRules TrackerRules `yaml:"tracker_rules,omitempty"`
}
