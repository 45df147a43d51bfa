package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	rs, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if rs.Version == "" {
		t.Error("expected a version")
	}

	seen := map[Category]bool{}
	for _, r := range rs.Rules {
		seen[r.Category] = true
		if r.Category.IsURLCategory() && r.Target == "" {
			t.Errorf("URL rule %q has no target after validation", r.Pattern)
		}
	}
	for _, c := range Categories {
		if !seen[c] {
			t.Errorf("default ruleset has no %s rules", c)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing version", "rules: []", "version is required"},
		{"unknown category", "version: x\nrules:\n  - {category: bogus, pattern: a}", "unknown category"},
		{"empty pattern", "version: x\nrules:\n  - {category: script, pattern: ''}", "empty pattern"},
		{"bad target", "version: x\nrules:\n  - {category: ad-domain, target: path, pattern: a}", "unknown target"},
		{"target on markup rule", "version: x\nrules:\n  - {category: script, target: host, pattern: a}", "only applies"},
		{"not yaml", "version: [", "parse ruleset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := "version: custom-7\nrules:\n  - {category: ad-domain, pattern: 'evil\\.test'}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rs.Version != "custom-7" {
		t.Errorf("version = %q", rs.Version)
	}
	if len(rs.Rules) != 1 || rs.Rules[0].Target != TargetURL {
		t.Errorf("rules = %+v, want one url-target rule", rs.Rules)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
