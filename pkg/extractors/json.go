package extractors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// ErrNoSources is returned when a provider answered but offered nothing playable.
var ErrNoSources = errors.New("no playable sources in response")

// JSONAdapter handles providers that answer with a JSON source list.
type JSONAdapter struct {
	log *logging.Logger
}

// NewJSONAdapter creates the "json" adapter.
func NewJSONAdapter(log *logging.Logger) *JSONAdapter {
	return &JSONAdapter{log: log.WithComponent("json-adapter")}
}

// Name returns the adapter name.
func (a *JSONAdapter) Name() string {
	return "json"
}

// Extract fetches call.URL and parses the source list.
func (a *JSONAdapter) Extract(ctx context.Context, call *interfaces.ProviderCall) ([]types.StreamSource, error) {
	body, err := call.Fetcher.FetchPage(ctx, call.URL, call.Headers)
	if err != nil {
		return nil, err
	}

	cands, err := parseSourceList(body)
	if err != nil {
		return nil, err
	}

	sources := toSources(call, cands)
	a.log.Debug("parsed source list", "provider", call.Provider, "candidates", len(cands), "sources", len(sources))
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}

type sourceEntry struct {
	File  string `json:"file"`
	Src   string `json:"src"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

type sourceList struct {
	Sources []sourceEntry `json:"sources"`
}

// sourceEnvelope covers the shapes seen in practice:
// {result:{sources:[...]}}, {data:{sources:[...]}} and {sources:[...]}.
type sourceEnvelope struct {
	Result  *sourceList   `json:"result"`
	Data    *sourceList   `json:"data"`
	Sources []sourceEntry `json:"sources"`
}

// parseSourceList extracts file/label pairs from a provider JSON body.
func parseSourceList(body []byte) ([]candidate, error) {
	var env sourceEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse source list: %w", err)
	}

	var entries []sourceEntry
	switch {
	case env.Result != nil && len(env.Result.Sources) > 0:
		entries = env.Result.Sources
	case env.Data != nil && len(env.Data.Sources) > 0:
		entries = env.Data.Sources
	default:
		entries = env.Sources
	}

	cands := make([]candidate, 0, len(entries))
	for _, e := range entries {
		file := e.File
		if file == "" {
			file = e.Src
		}
		if file == "" {
			file = e.URL
		}
		cands = append(cands, candidate{File: file, Label: e.Label})
	}
	return cands, nil
}

var _ interfaces.ProviderAdapter = (*JSONAdapter)(nil)
