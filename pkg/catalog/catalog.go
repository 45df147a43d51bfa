// Package catalog serves the read-only title dataset built out of band.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"shuttuflix-go/pkg/types"
)

// Catalog is an immutable list of titles.
type Catalog struct {
	items []types.CatalogItem
}

// Load reads a JSON array of catalog items from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog and checks each record's shape.
func Parse(data []byte) (*Catalog, error) {
	var items []types.CatalogItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, it := range items {
		if it.ID == 0 || it.Title == "" {
			return nil, fmt.Errorf("catalog item %d: id and title are required", i)
		}
		if it.MediaType != types.MediaTypeMovie && it.MediaType != types.MediaTypeTV {
			return nil, fmt.Errorf("catalog item %d: unknown mediaType %q", i, it.MediaType)
		}
	}
	return &Catalog{items: items}, nil
}

// Empty returns a catalog with no items.
func Empty() *Catalog {
	return &Catalog{}
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	return len(c.items)
}

// Filter returns items of mediaType (all when empty) whose title contains
// query, case-insensitively. The result is a copy.
func (c *Catalog) Filter(mediaType types.MediaType, query string) []types.CatalogItem {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]types.CatalogItem, 0, len(c.items))
	for _, it := range c.items {
		if mediaType != "" && it.MediaType != mediaType {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(it.Title), query) {
			continue
		}
		out = append(out, it)
	}
	return out
}
