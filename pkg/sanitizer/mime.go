package sanitizer

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Kind selects the sanitization strategy for a payload.
type Kind int

const (
	KindBinary Kind = iota
	KindHTML
	KindJS
	KindCSS
	KindHLS
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindJS:
		return "javascript"
	case KindCSS:
		return "css"
	case KindHLS:
		return "hls"
	case KindJSON:
		return "json"
	}
	return "binary"
}

// IsText reports whether payloads of this kind are buffered and rewritten.
func (k Kind) IsText() bool { return k != KindBinary }

var canonicalTypes = map[Kind]string{
	KindHTML: "text/html",
	KindJS:   "application/javascript",
	KindCSS:  "text/css",
	KindHLS:  "application/vnd.apple.mpegurl",
	KindJSON: "application/json",
}

var mediaTypeKinds = map[string]Kind{
	"text/html":                     KindHTML,
	"application/xhtml+xml":         KindHTML,
	"application/javascript":        KindJS,
	"text/javascript":               KindJS,
	"application/x-javascript":      KindJS,
	"application/ecmascript":        KindJS,
	"text/ecmascript":               KindJS,
	"text/css":                      KindCSS,
	"application/vnd.apple.mpegurl": KindHLS,
	"application/x-mpegurl":         KindHLS,
	"audio/mpegurl":                 KindHLS,
	"audio/x-mpegurl":               KindHLS,
	"application/json":              KindJSON,
}

// Extension lookup used when upstream omits or mis-declares the type.
var extensionTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".css":   "text/css",
	".json":  "application/json",
	".m3u8":  "application/vnd.apple.mpegurl",
	".m3u":   "application/vnd.apple.mpegurl",
	".ts":    "video/MP2T",
	".mp4":   "video/mp4",
	".m4s":   "video/iso.segment",
	".m4v":   "video/x-m4v",
	".mkv":   "video/x-matroska",
	".webm":  "video/webm",
	".mov":   "video/quicktime",
	".m4a":   "audio/mp4",
	".aac":   "audio/aac",
	".mp3":   "audio/mpeg",
	".vtt":   "text/vtt",
	".srt":   "application/x-subrip",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
}

// Declared types that say nothing about the payload.
var untrustedTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/unknown":      true,
	"text/plain":               true,
}

// mediaType returns the lowercased media type without parameters.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mt)
}

// extensionType looks up the content type for the target URL's extension.
func extensionType(targetURL string) string {
	p := targetURL
	if u, err := url.Parse(targetURL); err == nil {
		p = u.Path
	}
	return extensionTypes[strings.ToLower(path.Ext(p))]
}

// KindOf picks the strategy from the declared content type, falling back to
// the URL extension when the declared type is missing or generic.
func KindOf(contentType, targetURL string) Kind {
	mt := mediaType(contentType)
	if k, ok := mediaTypeKinds[mt]; ok {
		return k
	}
	if strings.HasSuffix(mt, "+json") {
		return KindJSON
	}
	if untrustedTypes[mt] {
		if k, ok := mediaTypeKinds[extensionType(targetURL)]; ok {
			return k
		}
	}
	return KindBinary
}

// ContentType returns the Content-Type to emit. Text kinds are always served
// as UTF-8. Binary payloads keep the upstream type unless it is missing or
// generic, in which case the extension table decides.
func ContentType(kind Kind, upstream, targetURL string) string {
	if ct, ok := canonicalTypes[kind]; ok {
		if kind == KindHTML && mediaType(upstream) == "application/xhtml+xml" {
			ct = "application/xhtml+xml"
		}
		return ct + "; charset=utf-8"
	}

	if !untrustedTypes[mediaType(upstream)] {
		return upstream
	}
	if ct := extensionType(targetURL); ct != "" {
		if strings.HasPrefix(ct, "text/") {
			return ct + "; charset=utf-8"
		}
		return ct
	}
	if upstream != "" {
		return upstream
	}
	return "application/octet-stream"
}
