// Package types defines core domain types used throughout the application.
package types

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// StreamKind identifies the container of a resolved stream.
type StreamKind string

const (
	StreamKindHLS   StreamKind = "hls"
	StreamKindMP4   StreamKind = "mp4"
	StreamKindEmbed StreamKind = "embed"
)

// MediaType is the catalog media type of a title.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// ParseMediaType validates a media type query value. Empty defaults to movie.
func ParseMediaType(s string) (MediaType, error) {
	switch s {
	case "", string(MediaTypeMovie):
		return MediaTypeMovie, nil
	case string(MediaTypeTV):
		return MediaTypeTV, nil
	}
	return "", &ValidationError{Field: "type", Msg: "type must be movie or tv"}
}

// StreamSource is one playable stream produced by a resolution.
// Values are never mutated after the resolver returns them.
type StreamSource struct {
	URL        string     `json:"url"`
	Quality    string     `json:"quality"`
	Kind       StreamKind `json:"type"`
	Provider   string     `json:"provider"`
	Domain     string     `json:"domain,omitempty"`
	Unfiltered bool       `json:"unfiltered,omitempty"`
}

// ResolveRequest identifies the title to resolve.
type ResolveRequest struct {
	TitleID   string
	MediaType MediaType
	IMDbID    string
	Season    int // 0 when absent
	Episode   int // 0 when absent
}

// Validate checks the request invariants.
func (r ResolveRequest) Validate() error {
	if r.TitleID == "" && r.IMDbID == "" {
		return &ValidationError{Field: "id", Msg: "ID is required"}
	}
	if r.Season < 0 || r.Episode < 0 {
		return &ValidationError{Field: "season", Msg: "season and episode must be positive"}
	}
	if r.Episode > 0 && r.Season == 0 {
		return &ValidationError{Field: "season", Msg: "episode requires season"}
	}
	return nil
}

// CacheKey returns a stable key for shared caches.
func (r ResolveRequest) CacheKey() string {
	return fmt.Sprintf("sources:%s:%s:%s:%d:%d", r.MediaType, r.TitleID, r.IMDbID, r.Season, r.Episode)
}

// AttemptState is the state of one provider attempt inside a resolution.
type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptTrying    AttemptState = "trying"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailed    AttemptState = "failed"
	AttemptSkipped   AttemptState = "skipped"
)

// Attempt records the outcome of calling one provider.
type Attempt struct {
	Provider string        `json:"provider"`
	Mirror   string        `json:"mirror,omitempty"`
	State    AttemptState  `json:"state"`
	Sources  int           `json:"sources"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Resolution is the full result of one resolve call.
type Resolution struct {
	Sources   []StreamSource `json:"sources"`
	Attempts  []Attempt      `json:"attempts"`
	Exhausted bool           `json:"exhausted"`
	Cached    bool           `json:"cached"`
}

// SignedLink authorizes temporary use of TargetURL.
type SignedLink struct {
	TargetURL string `json:"url"`
	ExpiresAt int64  `json:"expires"`
	Signature string `json:"signature"`
}

// CatalogItem is one record of the out-of-band catalog dataset.
type CatalogItem struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Poster    string    `json:"poster"`
	MediaType MediaType `json:"mediaType"`
	Year      string    `json:"year"`
}

// SearchResult is one entry of the /search response.
type SearchResult struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Poster      string    `json:"poster"`
	MediaType   MediaType `json:"mediaType"`
	Year        string    `json:"year"`
	Description string    `json:"description"`
}

// ProxyRequest is one gateway call. Signature and Expires are optional but
// must verify when either is present.
type ProxyRequest struct {
	URL       string
	Signature string
	Expires   string
	Range     string
}

// ProxyResponse is the gateway result for one target URL.
type ProxyResponse struct {
	StatusCode  int
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	Blocked     bool
}

// Sentinel errors for the HTTP taxonomy.
var (
	ErrValidation = errors.New("validation error")
	ErrForbidden  = errors.New("forbidden")
)

// ValidationError is a missing or malformed request parameter.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// UpstreamStatusError carries a non-2xx status from a single upstream target.
type UpstreamStatusError struct {
	StatusCode int
	URL        string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
