// Package api provides HTTP handlers for the gateway API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"shuttuflix-go/pkg/appctx"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/signer"
	"shuttuflix-go/pkg/types"
)

const minQueryLen = 2

// Handlers contains all API handlers.
type Handlers struct {
	ctx *appctx.Context
	log *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx: ctx,
		log: ctx.Log.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes. /search is mounted only when a
// searcher is configured.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /api/info", h.handleAPIInfo)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /favicon.ico", h.handleFavicon)

	mux.HandleFunc("GET "+h.proxyPath(), h.handleProxy)
	mux.HandleFunc("GET /sources", h.handleSources)
	mux.HandleFunc("GET /catalog", h.handleCatalog)

	if h.ctx.Searcher != nil {
		mux.HandleFunc("GET /search", h.handleSearch)
	}
}

func (h *Handlers) proxyPath() string {
	if h.ctx.Config != nil && h.ctx.Config.ProxyPath != "" {
		return h.ctx.Config.ProxyPath
	}
	return "/proxy"
}

// handleIndex lists the endpoints.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Shuttuflix</title></head>
<body>
    <h1>Shuttuflix</h1>
    <ul>
        <li><code>GET %s?url=...</code> sanitized passthrough</li>
        <li><code>GET /sources?id=...&amp;type=movie|tv</code> resolved stream sources</li>
        <li><code>GET /search?query=...</code> catalog search</li>
        <li><code>GET /catalog?type=...&amp;query=...</code> catalog dataset</li>
        <li><code>GET /api/info</code> server status</li>
    </ul>
    <p>Version %s</p>
</body>
</html>`, h.proxyPath(), appctx.Version)
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	providers := h.ctx.Providers
	if providers == nil {
		providers = []string{}
	}
	var policy string
	if h.ctx.Resolver != nil {
		policy = string(h.ctx.Resolver.Policy())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"version":        appctx.Version,
		"rulesetVersion": h.ctx.RulesetVersion,
		"providers":      providers,
		"policy":         policy,
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleFavicon(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handleProxy is the gateway. Errors are plain text.
func (h *Handlers) handleProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := types.ProxyRequest{
		URL:       q.Get("url"),
		Signature: q.Get(signer.ParamSignature),
		Expires:   q.Get(signer.ParamExpires),
		Range:     r.Header.Get("Range"),
	}

	resp, err := h.ctx.ProxyService.Handle(r.Context(), req)
	if err != nil {
		h.writeProxyError(w, r, req.URL, err)
		return
	}
	defer resp.Body.Close()

	if resp.Blocked {
		w.WriteHeader(http.StatusOK)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil && r.Context().Err() == nil {
		h.log.Warn("proxy body copy failed", "url", req.URL, "error", err)
	}
}

// writeProxyError maps the gateway error taxonomy to status codes without
// leaking upstream detail.
func (h *Handlers) writeProxyError(w http.ResponseWriter, r *http.Request, target string, err error) {
	log := logging.FromContext(r.Context(), h.log).WithURL(target)

	var (
		vErr *types.ValidationError
		uErr *types.UpstreamStatusError
	)
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Msg, http.StatusBadRequest)
	case errors.Is(err, types.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.As(err, &uErr):
		log.Debug("upstream rejected proxy target", "status", uErr.StatusCode)
		if uErr.StatusCode == http.StatusNotFound {
			http.Error(w, "Resource not found", http.StatusNotFound)
			return
		}
		http.Error(w, http.StatusText(uErr.StatusCode), uErr.StatusCode)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Debug("client went away")
	default:
		log.WithError(err).Error("proxy request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// sourceView is a resolved source plus its signed gateway link.
type sourceView struct {
	types.StreamSource
	ProxyURL  string `json:"proxyUrl"`
	Expires   int64  `json:"expires"`
	Signature string `json:"signature"`
}

// handleSources resolves stream sources for a title.
func (h *Handlers) handleSources(w http.ResponseWriter, r *http.Request) {
	req, err := parseResolveRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.ctx.Resolver.Resolve(r.Context(), req)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if r.Context().Err() != nil {
			return
		}
		h.log.Error("resolution failed", "id", req.TitleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	sources := make([]sourceView, len(res.Sources))
	for i, src := range res.Sources {
		proxyURL, link := h.ctx.ProxyService.SignedURL(src.URL)
		sources[i] = sourceView{
			StreamSource: src,
			ProxyURL:     proxyURL,
			Expires:      link.ExpiresAt,
			Signature:    link.Signature,
		}
	}

	h.log.Debug("sources resolved", "id", req.TitleID, "sources", len(sources), "cached", res.Cached, "exhausted", res.Exhausted)
	h.writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func parseResolveRequest(r *http.Request) (types.ResolveRequest, error) {
	q := r.URL.Query()
	mediaType, err := types.ParseMediaType(q.Get("type"))
	if err != nil {
		return types.ResolveRequest{}, err
	}
	season, err := optionalInt(q.Get("season"), "season")
	if err != nil {
		return types.ResolveRequest{}, err
	}
	episode, err := optionalInt(q.Get("episode"), "episode")
	if err != nil {
		return types.ResolveRequest{}, err
	}
	return types.ResolveRequest{
		TitleID:   strings.TrimSpace(q.Get("id")),
		MediaType: mediaType,
		IMDbID:    strings.TrimSpace(q.Get("imdb_id")),
		Season:    season,
		Episode:   episode,
	}, nil
}

func optionalInt(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &types.ValidationError{Field: field, Msg: field + " must be a number"}
	}
	return n, nil
}

// handleSearch queries the catalog search provider.
func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if len([]rune(query)) < minQueryLen {
		h.writeError(w, http.StatusBadRequest, "Query must be at least 2 characters")
		return
	}

	results, err := h.ctx.Searcher.Search(r.Context(), query)
	if err != nil {
		h.log.Error("search failed", "query", query, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleCatalog serves the catalog dataset, optionally filtered.
func (h *Handlers) handleCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var mediaType types.MediaType
	if t := q.Get("type"); t != "" {
		mt, err := types.ParseMediaType(t)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mediaType = mt
	}

	items := h.ctx.Catalog.Filter(mediaType, q.Get("query"))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// Helper methods

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
