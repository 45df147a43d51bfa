// Package matcher classifies URLs and markup fragments as advertising or
// tracking content using a compiled ruleset. A Matcher is immutable after
// construction and safe for concurrent use.
package matcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"shuttuflix-go/pkg/rules"
)

type compiled struct {
	rule rules.Rule
	re   *regexp.Regexp
}

// Matcher evaluates ordered rules; the first matching rule wins.
type Matcher struct {
	version    string
	urlRules   []compiled
	byCategory map[rules.Category][]compiled
	eventAttrs map[string]bool
}

// New compiles every rule of rs. Patterns are made case-insensitive.
func New(rs *rules.Ruleset) (*Matcher, error) {
	m := &Matcher{
		version:    rs.Version,
		byCategory: make(map[rules.Category][]compiled, len(rules.Categories)),
		eventAttrs: make(map[string]bool, len(rs.EventAttributes)),
	}
	for _, c := range rules.Categories {
		m.byCategory[c] = nil
	}

	for i, r := range rs.Rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Category, err)
		}
		if _, ok := m.byCategory[r.Category]; !ok {
			return nil, fmt.Errorf("rule %d: unknown category %q", i, r.Category)
		}
		c := compiled{rule: r, re: re}
		m.byCategory[r.Category] = append(m.byCategory[r.Category], c)
		if r.Category.IsURLCategory() {
			m.urlRules = append(m.urlRules, c)
		}
	}

	for _, a := range rs.EventAttributes {
		m.eventAttrs[strings.ToLower(a)] = true
	}
	return m, nil
}

// MustNew is New for rulesets known to be valid, such as the embedded default.
func MustNew(rs *rules.Ruleset) *Matcher {
	m, err := New(rs)
	if err != nil {
		panic(err)
	}
	return m
}

// Version returns the ruleset version the matcher was built from.
func (m *Matcher) Version() string { return m.version }

// IsBlocked reports whether rawURL hits any ad or tracker rule.
func (m *Matcher) IsBlocked(rawURL string) bool {
	_, ok := m.MatchURL(rawURL)
	return ok
}

// MatchURL returns the first URL rule matching rawURL. Host rules see only the
// hostname, so scheme, path and query never affect them. A URL that cannot be
// parsed is matched raw against every URL rule rather than being allowed.
func (m *Matcher) MatchURL(rawURL string) (rules.Rule, bool) {
	return matchURL(m.urlRules, rawURL)
}

func matchURL(list []compiled, rawURL string) (rules.Rule, bool) {
	host, rest, ok := splitURL(rawURL)
	for _, c := range list {
		var subject string
		switch {
		case !ok:
			subject = rawURL
		case c.rule.Target == rules.TargetHost:
			subject = host
		default:
			subject = rest
		}
		if c.re.MatchString(subject) {
			return c.rule, true
		}
	}
	return rules.Rule{}, false
}

// splitURL returns the lowercased hostname and the URL without its scheme.
func splitURL(rawURL string) (host, rest string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", "", false
	}
	host = strings.ToLower(u.Hostname())
	rest = u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return host, rest, true
}

// Classify reports whether fragment matches a rule of the given category. For
// URL categories fragment is treated as a URL. An unknown category is a
// programming error and panics instead of silently reporting no match.
func (m *Matcher) Classify(fragment string, category rules.Category) bool {
	list, ok := m.byCategory[category]
	if !ok {
		panic(fmt.Sprintf("matcher: unknown category %q", category))
	}
	if category.IsURLCategory() {
		_, hit := matchURL(list, fragment)
		return hit
	}
	for _, c := range list {
		if c.re.MatchString(fragment) {
			return true
		}
	}
	return false
}

// IsEventAttribute reports whether an HTML attribute is an inline handler
// that must be stripped.
func (m *Matcher) IsEventAttribute(name string) bool {
	return m.eventAttrs[strings.ToLower(name)]
}
