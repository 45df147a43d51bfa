package extractors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

var (
	packedRe       = regexp.MustCompile(`eval\(function\(p,a,c,k,e,[dr]\).*?\.split\('\|'\)[^)]*\)\)`)
	packerParamsRe = regexp.MustCompile(`\}\('(.+)',(\d+),(\d+),'([^']*)'\.split`)

	// file:"...", src: '...', "file":"..." with an optional label nearby.
	fileFieldRe = regexp.MustCompile(`["']?(?:file|src|source)["']?\s*[=:]\s*["']((?:https?:)?//[^"']+?\.(?:m3u8|mp4)[^"']*)["'](?:\s*,\s*["']?label["']?\s*:\s*["']([^"']*)["'])?`)
	bareStreamRe = regexp.MustCompile(`(?:https?:)?//[^\s"'<>\\]+?\.(?:m3u8|mp4)(?:\?[^\s"'<>\\]*)?`)
)

// HTMLScanAdapter handles providers that only serve an embed page. Stream
// URLs are mined from player setup code, unpacking P.A.C.K.E.R. scripts first.
type HTMLScanAdapter struct {
	log *logging.Logger
}

// NewHTMLScanAdapter creates the "html-scan" adapter.
func NewHTMLScanAdapter(log *logging.Logger) *HTMLScanAdapter {
	return &HTMLScanAdapter{log: log.WithComponent("html-scan-adapter")}
}

// Name returns the adapter name.
func (a *HTMLScanAdapter) Name() string {
	return "html-scan"
}

// Extract fetches the embed page and scans it for stream URLs.
func (a *HTMLScanAdapter) Extract(ctx context.Context, call *interfaces.ProviderCall) ([]types.StreamSource, error) {
	page, err := call.Fetcher.FetchPage(ctx, call.URL, call.Headers)
	if err != nil {
		return nil, err
	}

	sources := toSources(call, a.scan(string(page)))
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}

// scan collects candidates from the page and from any packed scripts in it.
func (a *HTMLScanAdapter) scan(html string) []candidate {
	texts := []string{html}
	for _, packed := range packedRe.FindAllString(html, -1) {
		unpacked, err := unpack(packed)
		if err != nil {
			a.log.Debug("failed to unpack JavaScript", "error", err)
			continue
		}
		texts = append(texts, unpacked)
	}

	var cands []candidate
	for _, text := range texts {
		for _, m := range fileFieldRe.FindAllStringSubmatch(text, -1) {
			cands = append(cands, candidate{File: m[1], Label: m[2]})
		}
		for _, m := range bareStreamRe.FindAllString(text, -1) {
			cands = append(cands, candidate{File: m})
		}
	}
	return cands
}

// unpack unpacks P.A.C.K.E.R. packed JavaScript.
func unpack(packed string) (string, error) {
	// eval(function(p,a,c,k,e,d){...}('payload',radix,count,'keywords'.split('|'),e,d))
	match := packerParamsRe.FindStringSubmatch(packed)
	if len(match) < 5 {
		return "", fmt.Errorf("failed to extract packer params")
	}

	payload := match[1]
	radix, err := strconv.Atoi(match[2])
	if err != nil || radix < 2 || radix > len(packerDigits) {
		return "", fmt.Errorf("unsupported packer radix %q", match[2])
	}
	keywords := strings.Split(match[4], "|")

	return packerWordRe.ReplaceAllStringFunc(payload, func(word string) string {
		i, ok := unbase(word, radix)
		if !ok || i >= len(keywords) || keywords[i] == "" {
			return word
		}
		return keywords[i]
	}), nil
}

const packerDigits = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var packerWordRe = regexp.MustCompile(`\b\w+\b`)

// unbase decodes word in the packer's alphabet.
func unbase(word string, radix int) (int, bool) {
	n := 0
	for i := 0; i < len(word); i++ {
		d := strings.IndexByte(packerDigits[:radix], word[i])
		if d < 0 {
			return 0, false
		}
		n = n*radix + d
		if n > 1<<24 {
			return 0, false
		}
	}
	return n, true
}

var _ interfaces.ProviderAdapter = (*HTMLScanAdapter)(nil)
