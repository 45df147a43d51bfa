package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"shuttuflix-go/pkg/types"
)

const sample = `[
  {"id": 603, "title": "The Matrix", "poster": "https://image.tmdb.org/t/p/w185/m.jpg", "mediaType": "movie", "year": "1999"},
  {"id": 604, "title": "The Matrix Reloaded", "poster": "https://image.tmdb.org/t/p/w185/r.jpg", "mediaType": "movie", "year": "2003"},
  {"id": 1399, "title": "Game of Thrones", "poster": "https://image.tmdb.org/t/p/w185/g.jpg", "mediaType": "tv", "year": "2011"}
]`

func TestParseAndFilter(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len() = %d", c.Len())
	}

	tests := []struct {
		name      string
		mediaType types.MediaType
		query     string
		wantIDs   []int64
	}{
		{"all", "", "", []int64{603, 604, 1399}},
		{"movies", types.MediaTypeMovie, "", []int64{603, 604}},
		{"tv", types.MediaTypeTV, "", []int64{1399}},
		{"query case-insensitive", "", "  MATRIX ", []int64{603, 604}},
		{"query and type", types.MediaTypeTV, "matrix", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Filter(tt.mediaType, tt.query)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d items, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("item %d id = %d, want %d", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestFilterReturnsCopy(t *testing.T) {
	c, _ := Parse([]byte(sample))
	got := c.Filter("", "")
	got[0].Title = "changed"
	if c.Filter("", "")[0].Title != "The Matrix" {
		t.Error("Filter exposed internal storage")
	}
}

func TestParseRejectsBadShape(t *testing.T) {
	bad := []string{
		`{"id": 1}`,
		`[{"id": 0, "title": "x", "mediaType": "movie"}]`,
		`[{"id": 1, "title": "x", "mediaType": "anime"}]`,
	}
	for _, b := range bad {
		if _, err := Parse([]byte(b)); err == nil {
			t.Errorf("Parse(%s) succeeded", b)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil || c.Len() != 3 {
		t.Fatalf("Load() = %v, %v", c, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if Empty().Len() != 0 {
		t.Error("Empty() not empty")
	}
}
