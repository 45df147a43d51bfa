// Package interfaces defines the core abstractions for the resolution and
// sanitization pipeline. Provider adapters, caches and page fetchers implement
// these interfaces, so the resolver and gateway never special-case a provider.
package interfaces

import (
	"context"
	"net/http"
	"time"

	"shuttuflix-go/pkg/types"
)

// ProviderAdapter normalizes one upstream response shape into stream sources.
//
// To add a new response shape:
// 1. Create a new file in pkg/extractors/
// 2. Implement this interface
// 3. Register it in the registry.AdapterRegistry built by newAdapters in internal/app
type ProviderAdapter interface {
	// Name returns the adapter identifier referenced by provider config.
	Name() string

	// Extract performs the provider call described by call and returns the
	// recognized sources. Any sub-fetches must use ctx, which carries the
	// provider's whole time budget.
	Extract(ctx context.Context, call *ProviderCall) ([]types.StreamSource, error)
}

// ProviderCall is everything an adapter needs for one attempt.
type ProviderCall struct {
	Provider string
	Mirror   string
	URL      string
	Headers  map[string]string
	Request  types.ResolveRequest
	// SecondaryURL builds a follow-up URL on the same mirror from a mined
	// identifier. Nil when the provider has no secondary endpoint.
	SecondaryURL func(id string) string
	Fetcher      PageFetcher
}

// PageFetcher performs a GET and returns the body. Non-2xx statuses are errors.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SourceCache stores resolved sources for a request key.
type SourceCache interface {
	GetSources(ctx context.Context, key string) ([]types.StreamSource, bool)
	SetSources(ctx context.Context, key string, sources []types.StreamSource, ttl time.Duration) error
}

// Searcher queries the external catalog search provider.
type Searcher interface {
	Search(ctx context.Context, query string) ([]types.SearchResult, error)
}
