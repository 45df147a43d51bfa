// Package extractors provides ProviderAdapter implementations.
// Each adapter normalizes one upstream response shape into stream sources.
//
// To add a new adapter:
// 1. Create a new file (e.g., myshape.go)
// 2. Implement the ProviderAdapter interface
// 3. Register it in the adapter registry (see internal/app)
package extractors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// DefaultUserAgent is sent when the caller supplies none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxPageBytes caps provider pages and API responses.
const maxPageBytes = 8 << 20

// BaseFetcher fetches provider pages with the shared outbound client.
type BaseFetcher struct {
	client interfaces.HTTPClient
	log    *logging.Logger
}

// NewBaseFetcher creates a page fetcher over client.
func NewBaseFetcher(client interfaces.HTTPClient, log *logging.Logger) *BaseFetcher {
	return &BaseFetcher{
		client: client,
		log:    log.WithComponent("page-fetcher"),
	}
}

// DoRequest performs a GET with the given headers.
func (b *BaseFetcher) DoRequest(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	return b.client.Do(req)
}

// FetchPage returns the body of urlStr. Non-2xx statuses are errors.
func (b *BaseFetcher) FetchPage(ctx context.Context, urlStr string, headers map[string]string) ([]byte, error) {
	resp, err := b.DoRequest(ctx, urlStr, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", GetDomain(urlStr), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &types.UpstreamStatusError{StatusCode: resp.StatusCode, URL: urlStr}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", GetDomain(urlStr), err)
	}

	b.log.Debug("fetched provider page", "url", urlStr, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// GetDomain extracts the host from a URL.
func GetDomain(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// streamKind maps a candidate file URL to a recognized container.
func streamKind(file string) (types.StreamKind, bool) {
	lower := strings.ToLower(file)
	switch {
	case strings.Contains(lower, ".m3u8"):
		return types.StreamKindHLS, true
	case strings.Contains(lower, ".mp4"):
		return types.StreamKindMP4, true
	}
	return "", false
}

// candidate is a file URL with an optional quality label.
type candidate struct {
	File  string
	Label string
}

// toSources keeps recognized candidates and stamps them with the call's
// provider and mirror. Duplicate files are dropped.
func toSources(call *interfaces.ProviderCall, cands []candidate) []types.StreamSource {
	seen := make(map[string]bool, len(cands))
	sources := make([]types.StreamSource, 0, len(cands))
	for _, c := range cands {
		file := strings.TrimSpace(c.File)
		if strings.HasPrefix(file, "//") {
			file = "https:" + file
		}
		if file == "" || seen[file] {
			continue
		}
		kind, ok := streamKind(file)
		if !ok {
			continue
		}
		seen[file] = true

		quality := strings.TrimSpace(c.Label)
		if quality == "" {
			quality = "auto"
		}
		sources = append(sources, types.StreamSource{
			URL:      file,
			Quality:  quality,
			Kind:     kind,
			Provider: call.Provider,
			Domain:   call.Mirror,
		})
	}
	return sources
}

var _ interfaces.PageFetcher = (*BaseFetcher)(nil)
