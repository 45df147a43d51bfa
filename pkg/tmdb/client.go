// Package tmdb is the catalog search client behind /search.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

const (
	posterBase = "https://image.tmdb.org/t/p/w185"
	maxResults = 20
)

// ErrNoAPIKey is returned by NewClient without a key.
var ErrNoAPIKey = errors.New("TMDB_API_KEY not configured")

type multiResult struct {
	ID           int64  `json:"id"`
	MediaType    string `json:"media_type"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	PosterPath   string `json:"poster_path"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
	Overview     string `json:"overview"`
}

type multiResponse struct {
	Results []multiResult `json:"results"`
}

// Client queries TMDB search/multi.
type Client struct {
	client  interfaces.HTTPClient
	baseURL string
	apiKey  string
	log     *logging.Logger
}

// NewClient creates a TMDB client. The API key is required.
func NewClient(client interfaces.HTTPClient, baseURL, apiKey string, log *logging.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		log:     log.WithComponent("tmdb"),
	}, nil
}

// Search returns up to 20 movie and tv results that have a poster.
func (c *Client) Search(ctx context.Context, query string) ([]types.SearchResult, error) {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("query", query)
	q.Set("include_adult", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search/multi?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tmdb search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("TMDB API error: %d", resp.StatusCode)
	}

	var data multiResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("parse tmdb response: %w", err)
	}

	results := make([]types.SearchResult, 0, min(len(data.Results), maxResults))
	for _, it := range data.Results {
		if it.PosterPath == "" || (it.MediaType != "movie" && it.MediaType != "tv") {
			continue
		}
		title := it.Title
		if title == "" {
			title = it.Name
		}
		results = append(results, types.SearchResult{
			ID:          it.ID,
			Title:       title,
			Poster:      posterBase + it.PosterPath,
			MediaType:   types.MediaType(it.MediaType),
			Year:        year(it.ReleaseDate, it.FirstAirDate),
			Description: it.Overview,
		})
		if len(results) == maxResults {
			break
		}
	}

	c.log.Debug("search finished", "results", len(results), "upstream_results", len(data.Results))
	return results, nil
}

// year takes the year part of the first non-empty date.
func year(dates ...string) string {
	for _, d := range dates {
		if y, _, _ := strings.Cut(d, "-"); y != "" {
			return y
		}
	}
	return "????"
}

var _ interfaces.Searcher = (*Client)(nil)
