package sanitizer

import (
	"bufio"
	"bytes"
	"strings"
)

// sanitizePlaylist routes playlist references through the gateway and drops
// segments served from blocked hosts together with the tags describing them.
func (s *Sanitizer) sanitizePlaylist(body []byte, rw *rewriter) []byte {
	var result bytes.Buffer
	result.Grow(len(body) * 2)

	// Tags from a segment or variant tag up to its URI line belong to that URI.
	var pending []string
	flush := func() {
		for _, l := range pending {
			result.WriteString(l)
			result.WriteByte('\n')
		}
		pending = pending[:0]
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), len(body)+1)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if len(pending) > 0 {
				pending = append(pending, line)
			} else {
				result.WriteString(line + "\n")
			}
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			if strings.Contains(line, `URI="`) {
				var keep bool
				line, keep = s.rewriteURITag(line, rw)
				if !keep {
					continue
				}
			}
			if uriTag(trimmed) || len(pending) > 0 {
				pending = append(pending, line)
			} else {
				result.WriteString(line + "\n")
			}
			continue
		}

		if s.m.IsBlocked(rw.target(trimmed)) {
			pending = pending[:0]
			continue
		}
		flush()

		if rw.endpoint == "" {
			result.WriteString(line + "\n")
			continue
		}
		if wrapped, ok := rw.rewrite(trimmed); ok {
			result.WriteString(wrapped + "\n")
		} else {
			result.WriteString(line + "\n")
		}
	}
	flush()

	if scanner.Err() != nil {
		// Line too long to be a playlist; leave it alone.
		out := make([]byte, len(body))
		copy(out, body)
		return out
	}
	return result.Bytes()
}

// uriTag reports whether a tag describes the URI line that follows it.
func uriTag(tag string) bool {
	for _, prefix := range []string{"#EXTINF", "#EXT-X-STREAM-INF", "#EXT-X-BYTERANGE", "#EXT-X-PROGRAM-DATE-TIME"} {
		if strings.HasPrefix(tag, prefix) {
			return true
		}
	}
	return false
}

// rewriteURITag rewrites the URI attribute of tags such as #EXT-X-KEY and
// #EXT-X-MAP. The tag is dropped when the URI is blocked.
func (s *Sanitizer) rewriteURITag(line string, rw *rewriter) (string, bool) {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return line, true
	}
	start += 5

	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line, true
	}

	uri := line[start : start+end]
	if s.m.IsBlocked(rw.target(uri)) {
		return "", false
	}
	if rw.endpoint == "" {
		return line, true
	}
	wrapped, ok := rw.rewrite(uri)
	if !ok {
		return line, true
	}
	return line[:start] + wrapped + line[start+end:], true
}
