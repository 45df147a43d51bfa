package extractors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// ErrNoEmbedID is returned when the embed page carries no data-id marker.
var ErrNoEmbedID = errors.New("embed id not found")

var dataIDRe = regexp.MustCompile(`data-id\s*=\s*["']([^"']+)["']`)

// EmbedDataIDAdapter handles two-step providers: the embed page carries an
// internal id in a data-id attribute, and a secondary API returns the sources.
type EmbedDataIDAdapter struct {
	log *logging.Logger
}

// NewEmbedDataIDAdapter creates the "embed-data-id" adapter.
func NewEmbedDataIDAdapter(log *logging.Logger) *EmbedDataIDAdapter {
	return &EmbedDataIDAdapter{log: log.WithComponent("embed-adapter")}
}

// Name returns the adapter name.
func (a *EmbedDataIDAdapter) Name() string {
	return "embed-data-id"
}

// Extract mines the embed id and calls the secondary endpoint. Both fetches
// share ctx, so the provider budget covers the whole exchange.
func (a *EmbedDataIDAdapter) Extract(ctx context.Context, call *interfaces.ProviderCall) ([]types.StreamSource, error) {
	if call.SecondaryURL == nil {
		return nil, fmt.Errorf("provider %s has no secondary endpoint", call.Provider)
	}

	page, err := call.Fetcher.FetchPage(ctx, call.URL, call.Headers)
	if err != nil {
		return nil, err
	}

	id := embedID(page)
	if id == "" {
		return nil, ErrNoEmbedID
	}
	a.log.Debug("found embed id", "provider", call.Provider, "id", id)

	headers := make(map[string]string, len(call.Headers)+1)
	for k, v := range call.Headers {
		headers[k] = v
	}
	headers["Referer"] = call.URL

	body, err := call.Fetcher.FetchPage(ctx, call.SecondaryURL(id), headers)
	if err != nil {
		return nil, fmt.Errorf("secondary lookup: %w", err)
	}

	cands, err := parseSourceList(body)
	if err != nil {
		return nil, err
	}
	sources := toSources(call, cands)
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}

// embedID returns the first non-empty data-id in page. Malformed markup
// falls back to a plain pattern search.
func embedID(page []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err == nil {
		var id string
		doc.Find("[data-id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			id = strings.TrimSpace(s.AttrOr("data-id", ""))
			return id == ""
		})
		if id != "" {
			return id
		}
	}

	if m := dataIDRe.FindSubmatch(page); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

var _ interfaces.ProviderAdapter = (*EmbedDataIDAdapter)(nil)
