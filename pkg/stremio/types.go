// Package stremio exposes the source resolver as a Stremio addon.
package stremio

import "shuttuflix-go/pkg/appctx"

// Stremio content types served by the addon.
const (
	TypeMovie  = "movie"
	TypeSeries = "series"
)

// Manifest is the Stremio addon manifest.
type Manifest struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Resources   []string `json:"resources"`
	Types       []string `json:"types"`
	Catalogs    []any    `json:"catalogs"`
	IDPrefixes  []string `json:"idPrefixes"`
}

func newManifest() Manifest {
	return Manifest{
		ID:          "org.shuttuflix.streams",
		Version:     appctx.Version,
		Name:        "Shuttuflix",
		Description: "Ad-filtered movie and series streams resolved by Shuttuflix",
		Resources:   []string{"stream"},
		Types:       []string{TypeMovie, TypeSeries},
		Catalogs:    []any{},
		IDPrefixes:  []string{"tt"},
	}
}

// BehaviorHints tells Stremio how to play a stream.
type BehaviorHints struct {
	NotWebReady bool   `json:"notWebReady,omitempty"`
	BingeGroup  string `json:"bingeGroup,omitempty"`
}

// Stream is one entry of a stream response. Exactly one of URL and
// ExternalURL is set.
type Stream struct {
	Name          string         `json:"name"`
	Title         string         `json:"title"`
	URL           string         `json:"url,omitempty"`
	ExternalURL   string         `json:"externalUrl,omitempty"`
	BehaviorHints *BehaviorHints `json:"behaviorHints,omitempty"`
}
