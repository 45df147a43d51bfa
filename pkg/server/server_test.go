package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/logging"
)

func TestServe_StackAndShutdown(t *testing.T) {
	cfg := &config.Config{ShutdownTimeout: time.Second, ReadTimeout: time.Second}
	s := New(cfg, logging.Discard())
	s.Router().HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	s.Router().HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodOptions, "/api/health", http.StatusOK},
		{http.MethodPost, "/api/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/boom", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, base+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
		if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s %s missing stack headers: %v", tt.method, tt.path, resp.Header)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
