package acl

import (
	"fmt"
	"path"
	"strings"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
)

// Effect is the outcome of a decision.
type Effect int

const (
	Deny Effect = iota
	Allow
)

func (e Effect) String() string {
	if e == Allow {
		return "allow"
	}
	return "deny"
}

// NoRule is the Rule index of a decision no rule produced.
const NoRule = -1

// Decision is the verdict for one identity and method.
type Decision struct {
	Effect Effect

	// DownloadDir is the caller's directory relative to the download
	// root. Empty means the request passes through unmodified.
	DownloadDir string

	// Trackers rewrite announce URLs in the call. Empty leaves them
	// alone.
	Trackers TrackerRules

	// Rule is the index of the rule that matched the identity, or
	// NoRule.
	Rule int
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool {
	return d.Effect == Allow
}

// Bypass reports whether an allowed call is forwarded untouched.
func (d Decision) Bypass() bool {
	return d.Effect == Allow && d.DownloadDir == "" && len(d.Trackers) == 0
}

type compiledRule struct {
	Rule
	identities map[auth.Identity]struct{}
}

// Engine evaluates an ordered rule list. It is immutable and safe for
// concurrent use.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles rules. Method names must be known to the daemon.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{rules: make([]compiledRule, 0, len(rules))}

	for i, r := range rules {
		for _, m := range r.AllowedMethods.Names() {
			if !rpc.KnownMethod(m) {
				return nil, fmt.Errorf("rule %d: unknown method %q", i, m)
			}
		}
		if r.DownloadDir != "" && !ValidDir(r.DownloadDir) {
			return nil, fmt.Errorf("rule %d: download_dir %q must be a relative path inside the download root", i, r.DownloadDir)
		}
		for j, t := range r.TrackerRules {
			if t.From == nil {
				return nil, fmt.Errorf("rule %d: tracker rule %d has no pattern", i, j)
			}
		}

		cr := compiledRule{Rule: r}
		if len(r.Identities) > 0 {
			cr.identities = make(map[auth.Identity]struct{}, len(r.Identities))
			for _, m := range r.Identities {
				cr.identities[m.Identity()] = struct{}{}
			}
		}
		e.rules = append(e.rules, cr)
	}

	return e, nil
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Decide returns the verdict for id calling method. The first rule whose
// identities include id wins; when none does the call is denied. A rule
// that matches but does not list the method denies that call only.
func (e *Engine) Decide(id auth.Identity, method string) Decision {
	for i, r := range e.rules {
		if !r.matches(id) {
			continue
		}

		if r.Deny || !r.AllowedMethods.Allows(method) {
			return Decision{Effect: Deny, Rule: i}
		}

		return Decision{Effect: Allow, DownloadDir: r.downloadDir(id), Trackers: r.TrackerRules, Rule: i}
	}

	return Decision{Effect: Deny, Rule: NoRule}
}

// Admits reports whether the first rule matching id lets it in at all,
// i.e. is not a deny rule. It gates access to the web interface.
func (e *Engine) Admits(id auth.Identity) bool {
	for _, r := range e.rules {
		if r.matches(id) {
			return !r.Deny
		}
	}
	return false
}

func (r compiledRule) matches(id auth.Identity) bool {
	if r.identities == nil {
		return true
	}
	_, ok := r.identities[id]
	return ok
}

// downloadDir is the rule's fixed directory, else the identity's own
// directory for method-restricted rules. Unrestricted rules without a
// directory are super users.
func (r compiledRule) downloadDir(id auth.Identity) string {
	if r.DownloadDir != "" {
		return path.Clean(r.DownloadDir)
	}
	if r.AllowedMethods.Unrestricted() {
		return ""
	}
	return DirName(id)
}

// reservedPrefix starts the directories of non-basic identities. Escaped
// basic names never contain it, so no basic directory can be an
// ancestor of another identity's.
const reservedPrefix = "+"

// DirName is the deterministic directory of an identity under the
// download root: the escaped user name for basic users,
// +oauth2/<label>/<name> for OAuth2 users and +anonymous for anonymous
// callers. Distinct identities get distinct directories and none is
// inside another.
func DirName(id auth.Identity) string {
	switch id.Provider.Type {
	case auth.ProviderBasic:
		return escapeSegment(id.Name)
	case auth.ProviderOAuth2:
		return reservedPrefix + "oauth2/" + escapeSegment(id.Provider.Label) + "/" + escapeSegment(id.Name)
	default:
		return reservedPrefix + "anonymous"
	}
}

// escapeSegment percent-encodes every byte outside [A-Za-z0-9._@-], so
// the result is one path segment and distinct inputs stay distinct.
func escapeSegment(s string) string {
	switch s {
	case "":
		return "%"
	case ".", "..":
		return strings.Repeat("%2E", len(s))
	}

	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if segmentSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func segmentSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '.', c == '_', c == '-', c == '@':
		return true
	}
	return false
}

// ValidDir reports whether dir is a relative path that stays inside the
// directory it is joined to.
func ValidDir(dir string) bool {
	if dir == "" || path.IsAbs(dir) || strings.HasPrefix(dir, `\`) {
		return false
	}
	clean := path.Clean(strings.ReplaceAll(dir, `\`, "/"))
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
