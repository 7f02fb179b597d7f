package acl

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// TrackerRule rewrites announce URLs. The first match of From is
// replaced by To, which may reference capture groups as $1 or ${name}.
type TrackerRule struct {
	From *regexp.Regexp
	To   string
}

// NewTrackerRule compiles from into a rule.
func NewTrackerRule(from, to string) (TrackerRule, error) {
	if from == "" {
		return TrackerRule{}, errors.New("tracker rule: from is required")
	}
	re, err := regexp.Compile(from)
	if err != nil {
		return TrackerRule{}, fmt.Errorf("tracker rule: %w", err)
	}
	return TrackerRule{From: re, To: to}, nil
}

type trackerRuleYAML struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// UnmarshalYAML reads {from: <regexp>, to: <replacement>}.
func (t *TrackerRule) UnmarshalYAML(node *yaml.Node) error {
	var raw trackerRuleYAML
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: decoding tracker rule: %w", node.Line, err)
	}
	rule, err := NewTrackerRule(raw.From, raw.To)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = rule
	return nil
}

// MarshalYAML writes the rule back in its file form.
func (t TrackerRule) MarshalYAML() (any, error) {
	var from string
	if t.From != nil {
		from = t.From.String()
	}
	return trackerRuleYAML{From: from, To: t.To}, nil
}

func (t TrackerRule) apply(announce string) string {
	m := t.From.FindStringSubmatchIndex(announce)
	if m == nil {
		return announce
	}
	out := make([]byte, 0, len(announce)+len(t.To))
	out = append(out, announce[:m[0]]...)
	out = t.From.ExpandString(out, t.To, announce, m)
	out = append(out, announce[m[1]:]...)
	return string(out)
}

// TrackerRules is a rule's ordered tracker rewrites.
type TrackerRules []TrackerRule

// Apply runs every rule in order, each on the previous result. ok is
// false when the rewrites leave nothing, which removes the tracker.
func (rs TrackerRules) Apply(announce string) (string, bool) {
	for _, r := range rs {
		announce = r.apply(announce)
		if announce == "" {
			return "", false
		}
	}
	return announce, true
}

// ApplyAll rewrites each announce URL, dropping removed ones.
func (rs TrackerRules) ApplyAll(announces []string) []string {
	out := make([]string, 0, len(announces))
	for _, a := range announces {
		if rewritten, ok := rs.Apply(a); ok {
			out = append(out, rewritten)
		}
	}
	return out
}
