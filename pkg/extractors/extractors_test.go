package extractors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// fakeFetcher serves canned bodies by URL and records every call.
type fakeFetcher struct {
	pages   map[string]string
	calls   []string
	headers []map[string]string
}

func (f *fakeFetcher) FetchPage(_ context.Context, url string, headers map[string]string) ([]byte, error) {
	f.calls = append(f.calls, url)
	f.headers = append(f.headers, headers)
	body, ok := f.pages[url]
	if !ok {
		return nil, &types.UpstreamStatusError{StatusCode: http.StatusNotFound, URL: url}
	}
	return []byte(body), nil
}

func newCall(f *fakeFetcher, url string) *interfaces.ProviderCall {
	return &interfaces.ProviderCall{
		Provider: "test",
		Mirror:   "https://mirror.example",
		URL:      url,
		Headers:  map[string]string{"Authorization": "Bearer tkn"},
		Fetcher:  f,
	}
}

func TestJSONAdapter_Shapes(t *testing.T) {
	a := NewJSONAdapter(logging.Discard())

	tests := []struct {
		name string
		body string
		want []types.StreamSource
	}{
		{
			name: "result envelope",
			body: `{"result":{"sources":[{"file":"https://cdn.example/a.m3u8","label":"1080p"},{"file":"https://cdn.example/b.mp4"}]}}`,
			want: []types.StreamSource{
				{URL: "https://cdn.example/a.m3u8", Quality: "1080p", Kind: types.StreamKindHLS, Provider: "test", Domain: "https://mirror.example"},
				{URL: "https://cdn.example/b.mp4", Quality: "auto", Kind: types.StreamKindMP4, Provider: "test", Domain: "https://mirror.example"},
			},
		},
		{
			name: "data envelope",
			body: `{"data":{"sources":[{"src":"//cdn.example/c.m3u8?t=1","label":"720p"}]}}`,
			want: []types.StreamSource{
				{URL: "https://cdn.example/c.m3u8?t=1", Quality: "720p", Kind: types.StreamKindHLS, Provider: "test", Domain: "https://mirror.example"},
			},
		},
		{
			name: "bare list filters unknown containers",
			body: `{"sources":[{"url":"https://cdn.example/d.mkv"},{"url":"https://cdn.example/e.MP4"},{"url":"https://cdn.example/e.MP4"}]}`,
			want: []types.StreamSource{
				{URL: "https://cdn.example/e.MP4", Quality: "auto", Kind: types.StreamKindMP4, Provider: "test", Domain: "https://mirror.example"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{pages: map[string]string{"https://mirror.example/api": tt.body}}
			got, err := a.Extract(context.Background(), newCall(f, "https://mirror.example/api"))
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sources, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("source %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestJSONAdapter_Errors(t *testing.T) {
	a := NewJSONAdapter(logging.Discard())

	f := &fakeFetcher{pages: map[string]string{
		"https://mirror.example/empty": `{"result":{"sources":[]}}`,
		"https://mirror.example/html":  `<html>blocked</html>`,
	}}

	if _, err := a.Extract(context.Background(), newCall(f, "https://mirror.example/empty")); !errors.Is(err, ErrNoSources) {
		t.Errorf("empty list error = %v, want ErrNoSources", err)
	}
	if _, err := a.Extract(context.Background(), newCall(f, "https://mirror.example/html")); err == nil {
		t.Error("expected parse error for HTML body")
	}
	var statusErr *types.UpstreamStatusError
	if _, err := a.Extract(context.Background(), newCall(f, "https://mirror.example/missing")); !errors.As(err, &statusErr) {
		t.Errorf("missing page error = %v, want UpstreamStatusError", err)
	}
}

func TestEmbedDataIDAdapter(t *testing.T) {
	a := NewEmbedDataIDAdapter(logging.Discard())

	f := &fakeFetcher{pages: map[string]string{
		"https://mirror.example/player/movie/603": `<html><body><div class="server" data-id=""></div><div id="player" data-id="xyz123"></div></body></html>`,
		"https://mirror.example/ajax/xyz123":      `{"result":{"sources":[{"file":"https://cdn.example/a.m3u8","label":"1080p"}]}}`,
	}}
	call := newCall(f, "https://mirror.example/player/movie/603")
	call.SecondaryURL = func(id string) string { return "https://mirror.example/ajax/" + id }

	got, err := a.Extract(context.Background(), call)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(got) != 1 || got[0].URL != "https://cdn.example/a.m3u8" || got[0].Quality != "1080p" || got[0].Kind != types.StreamKindHLS {
		t.Fatalf("unexpected sources: %+v", got)
	}
	if len(f.calls) != 2 || f.calls[1] != "https://mirror.example/ajax/xyz123" {
		t.Errorf("unexpected fetch sequence: %v", f.calls)
	}
	if f.headers[1]["Referer"] != call.URL || f.headers[1]["Authorization"] != "Bearer tkn" {
		t.Errorf("secondary headers = %v", f.headers[1])
	}
	if _, ok := call.Headers["Referer"]; ok {
		t.Error("call headers were mutated")
	}
}

func TestEmbedDataIDAdapter_Errors(t *testing.T) {
	a := NewEmbedDataIDAdapter(logging.Discard())

	f := &fakeFetcher{pages: map[string]string{"https://mirror.example/p": `<html><body>nothing</body></html>`}}
	call := newCall(f, "https://mirror.example/p")
	if _, err := a.Extract(context.Background(), call); err == nil {
		t.Error("expected error without secondary endpoint")
	}

	call.SecondaryURL = func(id string) string { return "https://mirror.example/ajax/" + id }
	if _, err := a.Extract(context.Background(), call); !errors.Is(err, ErrNoEmbedID) {
		t.Errorf("error = %v, want ErrNoEmbedID", err)
	}
}

func TestEmbedID(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{"attribute", `<a data-id="abc">x</a>`, "abc"},
		{"single quotes", `<a data-id='q1'>x</a>`, "q1"},
		{"skips empty", `<a data-id=" "></a><b data-id="second"></b>`, "second"},
		{"inside script", `<script>var html = '<i data-id="fromjs">';</script>`, "fromjs"},
		{"none", `<p>hello</p>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := embedID([]byte(tt.page)); got != tt.want {
				t.Errorf("embedID() = %q, want %q", got, tt.want)
			}
		})
	}
}

const packedPage = `<html><body><script>eval(function(p,a,c,k,e,d){while(c--)if(k[c])p=p.replace(new RegExp('\\b'+c.toString(a)+'\\b','g'),k[c]);return p}('0({1:"2://3.4/5.6",7:"8"})',36,9,'setup|file|https|cdn|example|master|m3u8|label|720p'.split('|'),0,{}))</script></body></html>`

func TestHTMLScanAdapter(t *testing.T) {
	a := NewHTMLScanAdapter(logging.Discard())

	tests := []struct {
		name string
		page string
		want []types.StreamSource
	}{
		{
			name: "packed player setup",
			page: packedPage,
			want: []types.StreamSource{
				{URL: "https://cdn.example/master.m3u8", Quality: "720p", Kind: types.StreamKindHLS, Provider: "test", Domain: "https://mirror.example"},
			},
		},
		{
			name: "plain sources",
			page: `<video><source src="https://cdn.example/v.mp4" type="video/mp4"></video><script>var hls = "//cdn.example/live.m3u8?x=1";</script>`,
			want: []types.StreamSource{
				{URL: "https://cdn.example/v.mp4", Quality: "auto", Kind: types.StreamKindMP4, Provider: "test", Domain: "https://mirror.example"},
				{URL: "https://cdn.example/live.m3u8?x=1", Quality: "auto", Kind: types.StreamKindHLS, Provider: "test", Domain: "https://mirror.example"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{pages: map[string]string{"https://mirror.example/embed/tt1": tt.page}}
			got, err := a.Extract(context.Background(), newCall(f, "https://mirror.example/embed/tt1"))
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("source %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestUnpack(t *testing.T) {
	packed := packedRe.FindString(packedPage)
	if packed == "" {
		t.Fatal("packed script not found")
	}
	got, err := unpack(packed)
	if err != nil {
		t.Fatalf("unpack() error = %v", err)
	}
	want := `setup({file:"https://cdn.example/master.m3u8",label:"720p"})`
	if got != want {
		t.Errorf("unpack() = %q, want %q", got, want)
	}

	if _, err := unpack("eval(nothing)"); err == nil {
		t.Error("expected error for non-packed input")
	}
}

func TestBaseFetcher(t *testing.T) {
	var gotUA, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewBaseFetcher(server.Client(), logging.Discard())

	body, err := f.FetchPage(context.Background(), server.URL+"/page", map[string]string{"Authorization": "Bearer x"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if gotUA != DefaultUserAgent || gotAuth != "Bearer x" {
		t.Errorf("headers: ua=%q auth=%q", gotUA, gotAuth)
	}

	_, err = f.FetchPage(context.Background(), server.URL+"/missing", nil)
	var statusErr *types.UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("error = %v, want 404 UpstreamStatusError", err)
	}
}
