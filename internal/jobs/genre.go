package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"

	"DistMR/internal/types"
)

type trackValue struct {
	Duration int64  `json:"duration"`
	Artist   string `json:"artist"`
}

// GenreStatsRecord is one output record of GenreStats
type GenreStatsRecord struct {
	Genre              string  `json:"genre"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
	TopArtist          string  `json:"top_artist"`
	TotalTracks        int     `json:"total_tracks_processed"`
}

// GenreStats reports average track length and the most frequent artist per genre.
type GenreStats struct{}

func (GenreStats) Map(line string) ([]types.KeyValue, error) {
	row, err := parseRow(line)
	if err != nil {
		return nil, err
	}
	if len(row) < trackColumns || row[colDurationMS] == "duration_ms" {
		return nil, nil
	}

	duration, err := strconv.ParseInt(row[colDurationMS], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid duration_ms %q: %w", row[colDurationMS], err)
	}
	kv, err := types.NewKeyValue(row[colGenre], trackValue{Duration: duration, Artist: row[colArtists]})
	if err != nil {
		return nil, err
	}
	return []types.KeyValue{kv}, nil
}

func (GenreStats) Reduce(key string, values []json.RawMessage) (any, error) {
	var (
		total   int64
		count   int
		artists = make(map[string]int)
		order   []string
	)
	for _, raw := range values {
		var v trackValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid track value: %w", err)
		}
		total += v.Duration
		count++
		if artists[v.Artist] == 0 {
			order = append(order, v.Artist)
		}
		artists[v.Artist]++
	}
	if count == 0 {
		return nil, nil
	}

	// ties go to the artist seen first
	top := ""
	for _, a := range order {
		if top == "" || artists[a] > artists[top] {
			top = a
		}
	}

	avgMinutes := float64(total) / float64(count) / 60000
	return GenreStatsRecord{
		Genre:              key,
		AvgDurationMinutes: round(avgMinutes, 2),
		TopArtist:          top,
		TotalTracks:        count,
	}, nil
}
