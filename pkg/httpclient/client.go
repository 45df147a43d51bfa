// Package httpclient provides the outbound HTTP client used for provider calls
// and gateway fetches, with proxy routing and browser TLS fingerprinting.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/logging"
)

// Client wraps http.Client with proxy routing and connection pooling.
//
// No client carries an overall Timeout: callers bound every request with a
// context deadline, and streamed video bodies may legitimately outlive any
// fixed client timeout.
type Client struct {
	defaultClient *http.Client
	utlsClient    *http.Client
	proxyClients  map[string]*http.Client
	routes        []config.TransportRoute
	globalProxies []string
	utlsDomains   []string
	mu            sync.RWMutex
	log           *logging.Logger
}

func dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
}

// ipv4DialContext forces IPv4-only connections.
func ipv4DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network == "tcp" {
		network = "tcp4"
	}
	return dialer().DialContext(ctx, network, addr)
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext:           ipv4DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// New creates a new HTTP client with the given configuration. extraUTLS lists
// additional host fragments (typically Cloudflare-protected provider mirrors)
// that are fetched with the browser TLS fingerprint.
func New(cfg *config.Config, log *logging.Logger, extraUTLS ...string) *Client {
	domains := make([]string, 0, len(cfg.UTLSDomains)+len(extraUTLS))
	for _, d := range append(append([]string{}, cfg.UTLSDomains...), extraUTLS...) {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}

	return &Client{
		defaultClient: &http.Client{Transport: newTransport()},
		utlsClient:    &http.Client{Transport: newUTLSRoundTripper()},
		proxyClients:  make(map[string]*http.Client),
		routes:        cfg.TransportRoutes,
		globalProxies: cfg.GlobalProxies,
		utlsDomains:   domains,
		log:           log.WithComponent("httpclient"),
	}
}

// utlsRoundTripper implements http.RoundTripper with utls and HTTP/2 support.
type utlsRoundTripper struct {
	dialer      *net.Dialer
	h2Transport *http2.Transport
}

func newUTLSRoundTripper() *utlsRoundTripper {
	return &utlsRoundTripper{
		dialer:      dialer(),
		h2Transport: &http2.Transport{},
	}
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return http.DefaultTransport.RoundTrip(req)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	conn, err := t.dialer.DialContext(req.Context(), "tcp4", addr)
	if err != nil {
		return nil, err
	}

	utlsConn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_120)
	if err := utlsConn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if utlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(utlsConn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return h2Conn.RoundTrip(req)
	}

	return t.doHTTP1Request(utlsConn, req)
}

func (t *utlsRoundTripper) doHTTP1Request(conn net.Conn, req *http.Request) (*http.Response, error) {
	// Abort the raw connection when the request context ends.
	stop := context.AfterFunc(req.Context(), func() { conn.Close() })

	if err := req.Write(conn); err != nil {
		stop()
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		stop()
		conn.Close()
		return nil, err
	}

	resp.Body = &connCloser{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

type connCloser struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
}

func (c *connCloser) Close() error {
	c.stop()
	c.ReadCloser.Close()
	return c.conn.Close()
}

// needsUTLS returns true if the URL requires browser-like TLS fingerprinting.
func (c *Client) needsUTLS(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, domain := range c.utlsDomains {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// Do executes an HTTP request, routing through proxies as configured.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.clientFor(req.URL).Do(req)
}

// clientFor returns the HTTP client for a URL based on routing rules.
func (c *Client) clientFor(u *url.URL) *http.Client {
	if c.needsUTLS(u) {
		c.log.Debug("using utls client", "host", u.Host)
		return c.utlsClient
	}

	target := u.String()
	for _, route := range c.routes {
		if !strings.Contains(target, route.URLPattern) {
			continue
		}
		c.log.Debug("matched transport route", "host", u.Host, "pattern", route.URLPattern, "direct", route.Direct)

		if route.Direct {
			if route.DisableSSL {
				return c.getInsecureClient()
			}
			return c.defaultClient
		}
		if route.Proxy != "" {
			return c.getOrCreateProxyClient(route.Proxy, route.DisableSSL)
		}
		if route.DisableSSL {
			return c.getInsecureClient()
		}
	}

	if len(c.globalProxies) > 0 {
		return c.getOrCreateProxyClient(c.globalProxies[0], false)
	}

	return c.defaultClient
}

// getOrCreateProxyClient returns a cached proxy client or creates a new one.
func (c *Client) getOrCreateProxyClient(proxyURL string, disableSSL bool) *http.Client {
	cacheKey := proxyURL
	if disableSSL {
		cacheKey += ":insecure"
	}

	c.mu.RLock()
	if client, ok := c.proxyClients[cacheKey]; ok {
		c.mu.RUnlock()
		return client
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.proxyClients[cacheKey]; ok {
		return client
	}

	client := c.createProxyClient(proxyURL, disableSSL)
	c.proxyClients[cacheKey] = client
	return client
}

// createProxyClient creates a new HTTP client for the given proxy.
func (c *Client) createProxyClient(proxyURL string, disableSSL bool) *http.Client {
	transport := newTransport()
	if disableSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL == "" {
		return &http.Client{Transport: transport}
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		c.log.Error("failed to parse proxy URL", "error", err)
		return c.defaultClient
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(parsedURL, proxy.Direct)
		if err != nil {
			c.log.Error("failed to create SOCKS5 dialer", "error", err)
			return c.defaultClient
		}
		if contextDialer, ok := d.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	default:
		c.log.Warn("unsupported proxy scheme", "scheme", parsedURL.Scheme)
		return c.defaultClient
	}

	return &http.Client{Transport: transport}
}

// getInsecureClient returns a client that skips SSL verification.
func (c *Client) getInsecureClient() *http.Client {
	return c.getOrCreateProxyClient("", true)
}
