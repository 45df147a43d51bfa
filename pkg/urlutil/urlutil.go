// Package urlutil provides URL manipulation utilities that preserve original encoding.
package urlutil

import (
	"net/url"
	"strings"
)

// IsAbsoluteHTTP reports whether s is an absolute http or https URL with a host.
func IsAbsoluteHTTP(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ResolveURL resolves a potentially relative URL against a base URL.
// Uses string manipulation to preserve original URL encoding.
// Go's url.ResolveReference re-encodes special characters which breaks
// URLs for CDNs that use parentheses, brackets, or other special chars.
func ResolveURL(urlStr string, baseURL string) string {
	lower := strings.ToLower(urlStr)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return urlStr
	}

	// Protocol-relative: inherit the base scheme
	if strings.HasPrefix(urlStr, "//") {
		scheme := "https"
		if parsed, err := url.Parse(baseURL); err == nil && parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
		return scheme + ":" + urlStr
	}

	base := GetBaseDirectory(baseURL)

	if strings.HasPrefix(urlStr, "/") {
		if schemeHost := GetSchemeHost(baseURL); schemeHost != "" {
			return schemeHost + urlStr
		}
		return base + urlStr
	}

	if strings.HasPrefix(urlStr, "./") {
		urlStr = urlStr[2:]
	}

	if strings.HasPrefix(urlStr, "../") {
		result := base
		remaining := urlStr
		for strings.HasPrefix(remaining, "../") {
			remaining = remaining[3:]
			result = strings.TrimSuffix(result, "/")
			if lastSlash := strings.LastIndex(result, "/"); lastSlash > 0 && !strings.HasSuffix(result[:lastSlash], "/") {
				result = result[:lastSlash+1]
			} else {
				// Never climb above the host
				result += "/"
			}
		}
		return result + remaining
	}

	return base + urlStr
}

// GetBaseDirectory returns the directory portion of a URL (without the filename).
// Preserves original encoding.
func GetBaseDirectory(urlStr string) string {
	if idx := strings.Index(urlStr, "?"); idx > 0 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, "#"); idx > 0 {
		urlStr = urlStr[:idx]
	}
	if schemeHost := GetSchemeHost(urlStr); schemeHost != "" && len(urlStr) == len(schemeHost) {
		return urlStr + "/"
	}
	if lastSlash := strings.LastIndex(urlStr, "/"); lastSlash > 0 {
		return urlStr[:lastSlash+1]
	}
	return urlStr
}

// GetSchemeHost extracts scheme://host from a URL, or "" when it has neither.
func GetSchemeHost(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
