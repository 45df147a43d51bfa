package stremio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"shuttuflix-go/pkg/appctx"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

var imdbIDRe = regexp.MustCompile(`^tt\d+$`)

// Handlers contains all Stremio addon handlers.
type Handlers struct {
	ctx      *appctx.Context
	log      *logging.Logger
	manifest Manifest
}

// NewHandlers creates a new Stremio Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx:      ctx,
		log:      ctx.Log.WithComponent("stremio"),
		manifest: newManifest(),
	}
}

// RegisterRoutes registers all Stremio addon routes.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stremio", h.handleHome)
	mux.HandleFunc("GET /stremio/{$}", h.handleHome)
	mux.HandleFunc("GET /stremio/manifest.json", h.handleManifest)
	mux.HandleFunc("GET /stremio/stream/{type}/{id}", h.handleStream)
}

// handleHome serves the addon installation page.
func (h *Handlers) handleHome(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	manifestURL := fmt.Sprintf("%s://%s/stremio/manifest.json", scheme, r.Host)
	installURL := fmt.Sprintf("stremio://%s/stremio/manifest.json", r.Host)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Shuttuflix - Stremio Addon</title></head>
<body>
    <h1>Shuttuflix for Stremio</h1>
    <p><a href="%s">Install Addon</a></p>
    <p>Or add the manifest URL manually: <code>%s</code></p>
</body>
</html>`, installURL, manifestURL)
}

func (h *Handlers) handleManifest(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manifest)
}

// handleStream resolves sources for a tt id, optionally tt…:season:episode.
// Unknown types and malformed ids get an empty list.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	streamType := r.PathValue("type")
	streamID := strings.TrimSuffix(r.PathValue("id"), ".json")

	req, ok := parseStreamID(streamType, streamID)
	if !ok {
		h.log.Debug("unsupported stream request", "type", streamType, "id", streamID)
		h.jsonResponseNoCache(w, map[string][]Stream{"streams": {}})
		return
	}

	res, err := h.ctx.Resolver.Resolve(r.Context(), req)
	if err != nil {
		if r.Context().Err() == nil {
			h.log.Warn("stream resolution failed", "id", streamID, "error", err)
		}
		h.jsonResponseNoCache(w, map[string][]Stream{"streams": {}})
		return
	}

	streams := make([]Stream, 0, len(res.Sources))
	for _, src := range res.Sources {
		streams = append(streams, h.toStream(req, src))
	}

	h.log.Debug("returning streams", "id", streamID, "count", len(streams))
	h.jsonResponseNoCache(w, map[string][]Stream{"streams": streams})
}

// toStream points a source at its signed gateway link.
func (h *Handlers) toStream(req types.ResolveRequest, src types.StreamSource) Stream {
	link, _ := h.ctx.ProxyService.SignedURL(src.URL)

	title := fmt.Sprintf("%s %s", src.Quality, strings.ToUpper(string(src.Kind)))
	if src.Unfiltered {
		title += "\nunfiltered embed"
	}
	s := Stream{Name: "Shuttuflix\n" + src.Provider, Title: title}

	if src.Kind == types.StreamKindEmbed {
		s.ExternalURL = link
		return s
	}
	s.URL = link
	if req.MediaType == types.MediaTypeTV {
		s.BehaviorHints = &BehaviorHints{BingeGroup: "shuttuflix-" + src.Provider}
	}
	return s
}

// parseStreamID maps a Stremio type and id onto a resolve request.
func parseStreamID(streamType, id string) (types.ResolveRequest, bool) {
	parts := strings.Split(id, ":")
	if !imdbIDRe.MatchString(parts[0]) {
		return types.ResolveRequest{}, false
	}
	req := types.ResolveRequest{TitleID: parts[0], IMDbID: parts[0]}

	switch streamType {
	case TypeMovie:
		if len(parts) != 1 {
			return types.ResolveRequest{}, false
		}
		req.MediaType = types.MediaTypeMovie
	case TypeSeries:
		if len(parts) != 3 {
			return types.ResolveRequest{}, false
		}
		season, err1 := strconv.Atoi(parts[1])
		episode, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || season < 1 || episode < 1 {
			return types.ResolveRequest{}, false
		}
		req.MediaType = types.MediaTypeTV
		req.Season = season
		req.Episode = episode
	default:
		return types.ResolveRequest{}, false
	}
	return req, true
}

func (h *Handlers) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("failed to encode response", "error", err)
	}
}

// jsonResponseNoCache is jsonResponse for payloads carrying expiring links.
func (h *Handlers) jsonResponseNoCache(w http.ResponseWriter, data any) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	h.jsonResponse(w, data)
}
