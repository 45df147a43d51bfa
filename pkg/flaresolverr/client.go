// Package flaresolverr fetches Cloudflare-protected provider pages through a
// FlareSolverr instance.
package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// Cookie is a cookie as FlareSolverr reports and accepts it.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
}

// Solution is the solved page.
type Solution struct {
	URL       string   `json:"url"`
	Status    int      `json:"status"`
	Response  string   `json:"response"`
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"userAgent"`
}

// Response is the FlareSolverr API envelope.
type Response struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Version  string   `json:"version"`
	Solution Solution `json:"solution"`
}

type request struct {
	Cmd        string   `json:"cmd"`
	URL        string   `json:"url"`
	MaxTimeout int      `json:"maxTimeout"`
	Cookies    []Cookie `json:"cookies,omitempty"`
}

// Client talks to the FlareSolverr v1 API. Clearance cookies are kept per
// host and replayed on later requests until they expire.
type Client struct {
	baseURL string
	timeout time.Duration
	client  interfaces.HTTPClient
	log     *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	cookies map[string][]Cookie
}

// NewClient creates a FlareSolverr client. A nil client gets a plain
// http.Client sized to the solve timeout.
func NewClient(client interfaces.HTTPClient, baseURL string, timeout time.Duration, log *logging.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: timeout + 10*time.Second}
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		client:  client,
		log:     log.WithComponent("flaresolverr"),
		now:     time.Now,
		cookies: make(map[string][]Cookie),
	}
}

// Get solves targetURL.
func (c *Client) Get(ctx context.Context, targetURL string) (*Response, error) {
	host := hostOf(targetURL)
	body, err := json.Marshal(request{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: int(c.timeout.Milliseconds()),
		Cookies:    c.cookiesFor(host),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("FlareSolverr returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var fsResp Response
	if err := json.Unmarshal(respBody, &fsResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if fsResp.Status != "ok" {
		return nil, fmt.Errorf("FlareSolverr error: %s", fsResp.Message)
	}

	if len(fsResp.Solution.Cookies) > 0 {
		c.mu.Lock()
		c.cookies[host] = fsResp.Solution.Cookies
		c.mu.Unlock()
	}

	c.log.Debug("page solved",
		"host", host,
		"status", fsResp.Solution.Status,
		"cookies", len(fsResp.Solution.Cookies),
		"response_length", len(fsResp.Solution.Response))

	return &fsResp, nil
}

// FetchPage solves pageURL and returns the page body. FlareSolverr does not
// forward request headers, so headers is ignored.
func (c *Client) FetchPage(ctx context.Context, pageURL string, _ map[string]string) ([]byte, error) {
	resp, err := c.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if s := resp.Solution.Status; s != 0 && (s < 200 || s > 299) {
		return nil, &types.UpstreamStatusError{StatusCode: s, URL: pageURL}
	}
	return []byte(resp.Solution.Response), nil
}

// cookiesFor returns the unexpired cookies stored for host.
func (c *Client) cookiesFor(host string) []Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	stored := c.cookies[host]
	live := make([]Cookie, 0, len(stored))
	for _, ck := range stored {
		if ck.Expires > 0 && ck.Expires <= now {
			continue
		}
		live = append(live, ck)
	}
	if len(live) == 0 {
		delete(c.cookies, host)
		return nil
	}
	c.cookies[host] = live
	return live
}

// IsConfigured reports whether a FlareSolverr URL was set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ interfaces.PageFetcher = (*Client)(nil)
