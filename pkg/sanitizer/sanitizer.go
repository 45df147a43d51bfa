// Package sanitizer strips advertising and tracking content from fetched
// payloads and routes embedded resources back through the gateway.
//
// Every strategy only removes content or wraps URLs that are not yet wrapped,
// so sanitizing already-sanitized output returns it unchanged. The input slice
// is never modified.
package sanitizer

import (
	"fmt"
	"net/url"
	"strings"

	"shuttuflix-go/pkg/matcher"
	"shuttuflix-go/pkg/urlutil"
)

// Sanitizer dispatches payloads to a per-type strategy.
type Sanitizer struct {
	m *matcher.Matcher
}

// New creates a Sanitizer backed by m.
func New(m *matcher.Matcher) *Sanitizer {
	return &Sanitizer{m: m}
}

// Sanitize returns a sanitized copy of body. proxyEndpoint is the gateway URL
// that rewritten resources point at; pageURL, when known, is the address the
// payload was fetched from and is used to resolve relative references.
func (s *Sanitizer) Sanitize(body []byte, contentType, proxyEndpoint, pageURL string) ([]byte, error) {
	return s.SanitizeKind(body, KindOf(contentType, pageURL), proxyEndpoint, pageURL)
}

// SanitizeKind is Sanitize with the strategy already chosen.
func (s *Sanitizer) SanitizeKind(body []byte, kind Kind, proxyEndpoint, pageURL string) ([]byte, error) {
	rw := &rewriter{endpoint: proxyEndpoint, pageURL: pageURL}

	switch kind {
	case KindHTML:
		out, err := s.sanitizeHTML(body, rw)
		if err != nil {
			return nil, fmt.Errorf("sanitize html: %w", err)
		}
		return out, nil
	case KindJS:
		return s.sanitizeJS(body), nil
	case KindCSS:
		return s.sanitizeCSS(body, rw), nil
	case KindHLS:
		return s.sanitizePlaylist(body, rw), nil
	}

	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// rewriter wraps resource URLs in gateway links.
type rewriter struct {
	endpoint string
	pageURL  string
}

// unwrap returns the target of an existing gateway link.
func (rw *rewriter) unwrap(v string) (string, bool) {
	if rw.endpoint == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(v, rw.endpoint)
	if !ok || (!strings.HasPrefix(rest, "?") && !strings.HasPrefix(rest, "&")) {
		return "", false
	}
	q, err := url.ParseQuery(rest[1:])
	if err != nil {
		return "", false
	}
	target := q.Get("url")
	return target, target != ""
}

// resolve turns v into an absolute URL when possible.
func (rw *rewriter) resolve(v string) string {
	if rw.pageURL == "" {
		return v
	}
	return resolveAgainst(v, rw.pageURL)
}

// target returns the URL a reference ultimately points at, for classification.
func (rw *rewriter) target(v string) string {
	v = strings.TrimSpace(v)
	if t, ok := rw.unwrap(v); ok {
		return t
	}
	return rw.resolve(v)
}

// rewrite returns the gateway link for v, or false when v is already wrapped
// or cannot be made absolute.
func (rw *rewriter) rewrite(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if _, ok := rw.unwrap(v); ok {
		return "", false
	}
	abs := rw.resolve(v)
	if !urlutil.IsAbsoluteHTTP(abs) {
		return "", false
	}
	return rw.wrap(abs), true
}

// wrap returns the gateway link for an absolute URL.
func (rw *rewriter) wrap(target string) string {
	sep := "?"
	if strings.Contains(rw.endpoint, "?") {
		sep = "&"
	}
	return rw.endpoint + sep + "url=" + url.QueryEscape(target)
}

// resolveAgainst resolves a relative reference, leaving non-navigational
// references (data:, javascript:, fragments) untouched.
func resolveAgainst(v, base string) string {
	if v == "" || strings.HasPrefix(v, "#") {
		return v
	}
	if i := strings.Index(v, ":"); i > 0 && !strings.ContainsAny(v[:i], "/?#") {
		// Has a scheme already.
		return v
	}
	return urlutil.ResolveURL(v, base)
}
