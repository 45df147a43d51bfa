// Package rules loads the versioned sanitization ruleset consumed by the
// pattern matcher. Rules are data: updating the blocklist is a file change,
// not a code change.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Category is the kind of content a rule targets.
type Category string

const (
	AdDomain      Category = "ad-domain"
	TrackerDomain Category = "tracker-domain"
	Script        Category = "script"
	Element       Category = "element"
	FunctionCall  Category = "function-call"
	CSSRule       Category = "css-rule"
	EventHandler  Category = "event-handler"
)

// Categories lists every known category in a stable order.
var Categories = []Category{AdDomain, TrackerDomain, Script, Element, FunctionCall, CSSRule, EventHandler}

// IsURLCategory reports whether rules of c are evaluated against URLs.
func (c Category) IsURLCategory() bool {
	return c == AdDomain || c == TrackerDomain
}

func (c Category) valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Target selects which part of a URL a URL rule is matched against.
type Target string

const (
	// TargetHost matches the lowercased hostname.
	TargetHost Target = "host"
	// TargetURL matches the URL with its scheme removed.
	TargetURL Target = "url"
)

// Rule is one classification pattern. Patterns are RE2 expressions and are
// always matched case-insensitively.
type Rule struct {
	Category Category `yaml:"category"`
	Pattern  string   `yaml:"pattern"`
	Target   Target   `yaml:"target,omitempty"`
}

// Ruleset is an ordered list of rules plus the inline event-handler
// attributes stripped from HTML.
type Ruleset struct {
	Version         string   `yaml:"version"`
	EventAttributes []string `yaml:"event_attributes"`
	Rules           []Rule   `yaml:"rules"`
}

//go:embed default.yaml
var defaultRuleset []byte

// Default returns the embedded ruleset.
func Default() (*Ruleset, error) {
	return Parse(defaultRuleset)
}

// Load reads a ruleset from path, or the embedded default when path is empty.
func Load(path string) (*Ruleset, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes and validates a YAML ruleset.
func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks categories and targets and fills in the default target.
func (rs *Ruleset) Validate() error {
	if rs.Version == "" {
		return fmt.Errorf("ruleset version is required")
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.Category.valid() {
			return fmt.Errorf("rule %d: unknown category %q", i, r.Category)
		}
		if r.Pattern == "" {
			return fmt.Errorf("rule %d: empty pattern", i)
		}
		if !r.Category.IsURLCategory() {
			if r.Target != "" {
				return fmt.Errorf("rule %d: target only applies to URL categories", i)
			}
			continue
		}
		switch r.Target {
		case "":
			r.Target = TargetURL
		case TargetHost, TargetURL:
		default:
			return fmt.Errorf("rule %d: unknown target %q", i, r.Target)
		}
	}
	return nil
}
