package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shuttuflix-go/pkg/appctx"
	"shuttuflix-go/pkg/catalog"
	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/extractors"
	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/matcher"
	"shuttuflix-go/pkg/middleware"
	"shuttuflix-go/pkg/registry"
	"shuttuflix-go/pkg/resolver"
	"shuttuflix-go/pkg/rules"
	"shuttuflix-go/pkg/sanitizer"
	"shuttuflix-go/pkg/services"
	"shuttuflix-go/pkg/signer"
	"shuttuflix-go/pkg/types"
)

const gatewayEndpoint = "http://localhost:7860/proxy"

const adPage = `<html><head>
<script>(adsbygoogle = window.adsbygoogle || []).push({});</script>
<script>window.dataLayer = []; gtag('config', 'G-1');</script>
<script>var player = startPlayer("legit-marker");</script>
</head><body><div id="player"></div></body></html>`

// countingClient counts outbound requests before delegating.
type countingClient struct {
	inner interfaces.HTTPClient
	calls atomic.Int64
}

func (c *countingClient) Do(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.inner.Do(req)
}

// upstream serves a provider embed page, its source API, and gateway targets.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embed/movie/603", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="server" data-id="xyz123">Server 1</div></body></html>`)
	})
	mux.HandleFunc("/ajax/sources/xyz123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"sources":[{"file":"https://cdn.example/a.m3u8","label":"1080p"}]}}`)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, adPage)
	})
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		if r.Header.Get("Range") == "bytes=0-3" {
			w.Header().Set("Content-Range", "bytes 0-3/10")
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, "0123")
			return
		}
		fmt.Fprint(w, "0123456789")
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "secret upstream detail", http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type testEnv struct {
	handler  http.Handler
	upstream *httptest.Server
	client   *countingClient
	proxy    *services.ProxyService
}

type envOption func(*appctx.Context)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	log := logging.Discard()
	up := upstream(t)
	client := &countingClient{inner: up.Client()}

	rs, err := rules.Default()
	if err != nil {
		t.Fatal(err)
	}
	m := matcher.MustNew(rs)
	sign, err := signer.New([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New([]registry.Provider{{
		Name:              "f2movies",
		Adapter:           "embed-data-id",
		Mirrors:           []string{up.URL},
		Endpoint:          "/embed/{type}/{id}",
		SecondaryEndpoint: "/ajax/sources/{id}",
		Timeout:           2 * time.Second,
	}}, registry.Options{})
	if err != nil {
		t.Fatal(err)
	}
	adapters := registry.NewAdapterRegistry(
		extractors.NewJSONAdapter(log),
		extractors.NewEmbedDataIDAdapter(log),
		extractors.NewHTMLScanAdapter(log),
	)
	res, err := resolver.New(reg, adapters, extractors.NewBaseFetcher(up.Client(), log), sign, log, resolver.Options{})
	if err != nil {
		t.Fatal(err)
	}

	proxy := services.NewProxyService(client, m, sanitizer.New(m), sign, log, services.ProxyOptions{
		Endpoint: gatewayEndpoint,
		Referer:  "https://www.vidking.net/",
		Timeout:  2 * time.Second,
	})

	ctx := appctx.New(&config.Config{ProxyPath: "/proxy"}, log).
		WithResolver(res, reg.Names()).
		WithProxyService(proxy, rs.Version)
	for _, o := range opts {
		o(ctx)
	}

	mux := http.NewServeMux()
	NewHandlers(ctx).RegisterRoutes(mux)
	return &testEnv{
		handler:  middleware.Chain(mux, middleware.CORS, middleware.GetOnly),
		upstream: up,
		client:   client,
		proxy:    proxy,
	}
}

func (e *testEnv) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func proxyTarget(u string) string {
	return "/proxy?url=" + url.QueryEscape(u)
}

func TestSources_EmbedDataID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/sources?id=603&type=movie")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var body struct {
		Sources []struct {
			URL       string `json:"url"`
			Quality   string `json:"quality"`
			Type      string `json:"type"`
			Provider  string `json:"provider"`
			ProxyURL  string `json:"proxyUrl"`
			Expires   int64  `json:"expires"`
			Signature string `json:"signature"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sources) != 1 {
		t.Fatalf("sources = %+v", body.Sources)
	}
	got := body.Sources[0]
	if got.URL != "https://cdn.example/a.m3u8" || got.Quality != "1080p" || got.Type != "hls" || got.Provider != "f2movies" {
		t.Errorf("source = %+v", got)
	}
	if !strings.HasPrefix(got.ProxyURL, gatewayEndpoint+"?url=https%3A%2F%2Fcdn.example%2Fa.m3u8") || got.Signature == "" || got.Expires == 0 {
		t.Errorf("signed link = %q expires=%d sig=%q", got.ProxyURL, got.Expires, got.Signature)
	}
}

func TestSources_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		target string
	}{
		{"missing id", "/sources?type=movie"},
		{"bad type", "/sources?id=603&type=anime"},
		{"bad season", "/sources?id=1399&type=tv&season=x"},
		{"episode without season", "/sources?id=1399&type=tv&episode=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Errorf("missing error message: %s", rec.Body)
			}
		})
	}
}

func TestSources_NoProviderSucceeds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/sources?id=999&type=movie")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"sources":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestProxy_BlockedTargetIsNotFetched(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, proxyTarget("https://ads.doubleclick.net/x"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body)
	}
	if n := env.client.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_SanitizesHTML(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, proxyTarget(env.upstream.URL+"/page.html"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `startPlayer("legit-marker")`) {
		t.Errorf("legitimate script removed:\n%s", body)
	}
	for _, gone := range []string{"adsbygoogle", "gtag("} {
		if strings.Contains(body, gone) {
			t.Errorf("body still contains %q:\n%s", gone, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") || !strings.Contains(ct, "charset=utf-8") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestProxy_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"missing url", "/proxy", http.StatusBadRequest, "Missing URL parameter"},
		{"relative url", proxyTarget("/page.html"), http.StatusBadRequest, "Invalid URL parameter"},
		{"not found", proxyTarget(env.upstream.URL + "/nope"), http.StatusNotFound, "Resource not found"},
		{"upstream status passthrough", proxyTarget(env.upstream.URL + "/forbidden"), http.StatusForbidden, "Forbidden"},
		{"bad signature", proxyTarget(env.upstream.URL+"/page.html") + "&expires=9999999999&signature=forged", http.StatusForbidden, "Forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.target)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestProxy_SignedLink(t *testing.T) {
	env := newTestEnv(t)

	link, _ := env.proxy.SignedURL(env.upstream.URL + "/video.mp4")
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	rec := env.get(t, "/proxy?"+u.RawQuery)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestProxy_RangePassthrough(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, proxyTarget(env.upstream.URL+"/video.mp4"), "Range", "bytes=0-3")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "0123" {
		t.Errorf("body = %q", rec.Body)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
}

func TestMethods(t *testing.T) {
	env := newTestEnv(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/sources?id=603", nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, proxyTarget("https://cdn.example/a.m3u8"), nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("OPTIONS = %d %q, want 200 empty", rec.Code, rec.Body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight missing CORS header")
	}
	if n := env.client.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

type stubSearcher struct {
	results []types.SearchResult
	err     error
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string) ([]types.SearchResult, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func TestSearch(t *testing.T) {
	searcher := &stubSearcher{results: []types.SearchResult{{ID: 603, Title: "The Matrix", MediaType: types.MediaTypeMovie, Year: "1999"}}}
	env := newTestEnv(t, func(c *appctx.Context) { c.WithSearcher(searcher) })

	rec := env.get(t, "/search?query=a")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short query status = %d, want 400", rec.Code)
	}
	if len(searcher.queries) != 0 {
		t.Error("short query reached the searcher")
	}

	rec = env.get(t, "/search?query=%20matrix%20")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Results []types.SearchResult `json:"results"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Results) != 1 || body.Results[0].ID != 603 {
		t.Errorf("results = %+v", body.Results)
	}
	if searcher.queries[0] != "matrix" {
		t.Errorf("query = %q", searcher.queries[0])
	}

	searcher.err = io.ErrUnexpectedEOF
	rec = env.get(t, "/search?query=matrix")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "unexpected EOF") {
		t.Error("internal error detail leaked")
	}
}

func TestSearch_NotMountedWithoutSearcher(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.get(t, "/search?query=matrix"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCatalog(t *testing.T) {
	cat, err := catalog.Parse([]byte(`[
		{"id": 603, "title": "The Matrix", "poster": "p", "mediaType": "movie", "year": "1999"},
		{"id": 1399, "title": "Game of Thrones", "poster": "p", "mediaType": "tv", "year": "2011"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(c *appctx.Context) { c.WithCatalog(cat) })

	tests := []struct {
		target    string
		wantTotal int
		wantCode  int
	}{
		{"/catalog", 2, http.StatusOK},
		{"/catalog?type=tv", 1, http.StatusOK},
		{"/catalog?query=matrix", 1, http.StatusOK},
		{"/catalog?type=anime", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := env.get(t, tt.target)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var body struct {
				Items []types.CatalogItem `json:"items"`
				Total int                 `json:"total"`
			}
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Total != tt.wantTotal || len(body.Items) != tt.wantTotal {
				t.Errorf("total = %d, items = %d, want %d", body.Total, len(body.Items), tt.wantTotal)
			}
		})
	}
}

func TestInfoAndHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/info")
	var info struct {
		Status         string   `json:"status"`
		Version        string   `json:"version"`
		RulesetVersion string   `json:"rulesetVersion"`
		Providers      []string `json:"providers"`
		Policy         string   `json:"policy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Status != "running" || info.Version != appctx.Version || info.RulesetVersion == "" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Providers) != 1 || info.Providers[0] != "f2movies" || info.Policy != "first" {
		t.Errorf("info = %+v", info)
	}

	rec = env.get(t, "/api/health")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("health = %s", got)
	}
}
