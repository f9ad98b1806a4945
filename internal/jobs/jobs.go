// Package jobs holds the map/reduce functions shipped with the engine.
package jobs

import (
	"encoding/csv"
	"fmt"
	"math"
	"strings"

	"DistMR/internal/mapreduce"
)

// Register adds every built-in job to c.
func Register(c *mapreduce.Catalog) error {
	builtins := map[string]mapreduce.Factory{
		"genre_stats":    func() mapreduce.Job { return GenreStats{} },
		"explicit_stats": func() mapreduce.Job { return ExplicitStats{} },
		"wordcount":      func() mapreduce.Job { return &WordCount{} },
		"grep":           func() mapreduce.Job { return &Grep{} },
	}
	for name, f := range builtins {
		if err := c.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// NewCatalog returns a catalog preloaded with the built-in jobs.
func NewCatalog() *mapreduce.Catalog {
	c := mapreduce.NewCatalog()
	if err := Register(c); err != nil {
		panic(err)
	}
	return c
}

// Track columns of the Spotify tracks dataset.
const (
	colArtists    = 2
	colDurationMS = 6
	colExplicit   = 7
	colGenre      = 20
	trackColumns  = 21
)

// parseRow reads one CSV record, honoring quoted fields.
func parseRow(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	row, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv line: %w", err)
	}
	return row, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
