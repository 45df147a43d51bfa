// Package services holds the proxy gateway core: fetch, classify, sanitize, stream.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"shuttuflix-go/pkg/extractors"
	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/matcher"
	"shuttuflix-go/pkg/sanitizer"
	"shuttuflix-go/pkg/signer"
	"shuttuflix-go/pkg/types"
	"shuttuflix-go/pkg/urlutil"
)

// ErrBodyTooLarge is returned when a text body exceeds the buffering cap.
var ErrBodyTooLarge = errors.New("response body too large to sanitize")

// ProxyOptions configures the gateway.
type ProxyOptions struct {
	// Endpoint is the public gateway URL used in rewritten links.
	Endpoint string
	// Referer is sent as Referer, and its origin as Origin, on every fetch.
	Referer string
	// Timeout bounds the response headers and, for text, the whole body.
	Timeout time.Duration
	// StreamTimeout bounds a binary passthrough from start to end.
	StreamTimeout time.Duration
	MaxBodyBytes  int64
	// SignedLinkTTL is the lifetime of links issued by SignedURL.
	SignedLinkTTL time.Duration
}

// ProxyService fetches targets for the gateway.
type ProxyService struct {
	client    interfaces.HTTPClient
	matcher   *matcher.Matcher
	sanitizer *sanitizer.Sanitizer
	signer    *signer.Signer
	log       *logging.Logger
	opts      ProxyOptions
}

// NewProxyService creates a new proxy service.
func NewProxyService(
	client interfaces.HTTPClient,
	m *matcher.Matcher,
	s *sanitizer.Sanitizer,
	sign *signer.Signer,
	log *logging.Logger,
	opts ProxyOptions,
) *ProxyService {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 30 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 20
	}
	if opts.SignedLinkTTL <= 0 {
		opts.SignedLinkTTL = 5 * time.Minute
	}
	return &ProxyService{
		client:    client,
		matcher:   m,
		sanitizer: s,
		signer:    sign,
		log:       log.WithComponent("proxy-service"),
		opts:      opts,
	}
}

// Endpoint returns the public gateway URL.
func (s *ProxyService) Endpoint() string {
	return s.opts.Endpoint
}

// SignedURL issues a short-lived gateway link for target.
func (s *ProxyService) SignedURL(target string) (string, types.SignedLink) {
	link := s.signer.Sign(target, s.opts.SignedLinkTTL)
	return s.signer.ProxyURL(s.opts.Endpoint, link), link
}

// Handle serves one gateway request. The caller must close the response body.
//
// Errors: *types.ValidationError for a bad target, types.ErrForbidden for a
// signature that does not verify, *types.UpstreamStatusError for a non-2xx
// upstream. Anything else is internal.
func (s *ProxyService) Handle(ctx context.Context, req types.ProxyRequest) (*types.ProxyResponse, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return nil, &types.ValidationError{Field: "url", Msg: "Missing URL parameter"}
	}
	if !urlutil.IsAbsoluteHTTP(target) {
		return nil, &types.ValidationError{Field: "url", Msg: "Invalid URL parameter"}
	}

	if req.Signature != "" || req.Expires != "" {
		if !s.signer.VerifyParams(target, req.Signature, req.Expires) {
			return nil, types.ErrForbidden
		}
	}

	if rule, blocked := s.matcher.MatchURL(target); blocked {
		s.log.Debug("blocked request", "url", target, "category", rule.Category)
		return &types.ProxyResponse{
			StatusCode: http.StatusOK,
			Body:       http.NoBody,
			Blocked:    true,
		}, nil
	}

	return s.fetch(ctx, target, req.Range)
}

func (s *ProxyService) fetch(ctx context.Context, target, rangeHeader string) (*types.ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StreamTimeout)
	// Headers (and text bodies) get the shorter budget.
	timer := time.AfterFunc(s.opts.Timeout, cancel)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", extractors.DefaultUserAgent)
	httpReq.Header.Set("Accept", acceptHeader(target))
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if s.opts.Referer != "" {
		httpReq.Header.Set("Referer", s.opts.Referer)
		if origin := urlutil.GetSchemeHost(s.opts.Referer); origin != "" {
			httpReq.Header.Set("Origin", origin)
		}
	}
	// Ranges only make sense for payloads passed through untouched.
	if rangeHeader != "" && !sanitizer.KindOf("", target).IsText() {
		httpReq.Header.Set("Range", rangeHeader)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("failed to fetch target: %w", err)
	}

	s.log.Debug("upstream response", "url", target, "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		timer.Stop()
		cancel()
		return nil, &types.UpstreamStatusError{StatusCode: resp.StatusCode, URL: target}
	}

	upstreamType := resp.Header.Get("Content-Type")
	kind := sanitizer.KindOf(upstreamType, target)

	if !kind.IsText() {
		if !timer.Stop() {
			// The header budget already ran out.
			resp.Body.Close()
			cancel()
			return nil, context.DeadlineExceeded
		}
		return s.passthrough(resp, target, upstreamType, cancel), nil
	}

	defer cancel()
	defer timer.Stop()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(raw)) > s.opts.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	pageURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		pageURL = resp.Request.URL.String()
	}

	body, err := s.sanitizer.SanitizeKind(toUTF8(raw, upstreamType, kind), kind, s.opts.Endpoint, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to sanitize %s: %w", kind, err)
	}

	s.log.Debug("sanitized response", "url", target, "kind", kind, "in_bytes", len(raw), "out_bytes", len(body))

	headers := map[string]string{
		"Content-Length": strconv.Itoa(len(body)),
	}
	if kind == sanitizer.KindHLS {
		headers["Cache-Control"] = "no-cache, no-store, must-revalidate"
	}

	return &types.ProxyResponse{
		StatusCode:  http.StatusOK,
		ContentType: sanitizer.ContentType(kind, upstreamType, target),
		Headers:     headers,
		Body:        io.NopCloser(bytes.NewReader(body)),
	}, nil
}

// passthrough streams a binary body. Closing the body cancels the fetch.
func (s *ProxyService) passthrough(resp *http.Response, target, upstreamType string, cancel context.CancelFunc) *types.ProxyResponse {
	headers := map[string]string{
		"Accept-Ranges": "bytes",
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		headers["Content-Length"] = cl
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		headers["Content-Range"] = cr
	}

	return &types.ProxyResponse{
		StatusCode:  resp.StatusCode,
		ContentType: sanitizer.ContentType(sanitizer.KindBinary, upstreamType, target),
		Headers:     headers,
		Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// toUTF8 converts a text body to UTF-8. Bodies declared (or, for HTML,
// sniffed) as UTF-8 are returned as is.
func toUTF8(raw []byte, contentType string, kind sanitizer.Kind) []byte {
	var label string
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	if strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return raw
	}
	if label == "" && kind != sanitizer.KindHTML {
		return raw
	}

	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return raw
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	return out
}

// acceptHeader picks a browser-like Accept value from URL hints.
func acceptHeader(target string) string {
	lower := strings.ToLower(target)
	switch {
	case strings.Contains(lower, ".js") || strings.Contains(lower, "javascript"):
		return "application/javascript, */*;q=0.8"
	case strings.Contains(lower, ".css") || strings.Contains(lower, "stylesheet"):
		return "text/css, */*;q=0.8"
	case strings.Contains(lower, "json"):
		return "application/json, */*;q=0.8"
	case strings.Contains(lower, ".m3u8") || strings.Contains(lower, "manifest"):
		return "application/vnd.apple.mpegurl, */*;q=0.8"
	case strings.Contains(lower, ".mp4") || strings.Contains(lower, "video"):
		return "video/mp4, */*;q=0.8"
	}
	return "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
}
