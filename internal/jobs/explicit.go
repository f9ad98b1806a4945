package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"DistMR/internal/types"
)

type explicitValue struct {
	TrackCount    int `json:"track_count"`
	ExplicitCount int `json:"explicit_count"`
}

// ExplicitStatsRecord is one output record of ExplicitStats
type ExplicitStatsRecord struct {
	Genre              string  `json:"genre"`
	TotalTracks        int     `json:"total_tracks"`
	ExplicitTracks     int     `json:"explicit_tracks"`
	ExplicitRatio      float64 `json:"explicit_ratio"`
	ExplicitPercentage float64 `json:"explicit_percentage"`
}

// ExplicitStats reports the share of explicit tracks per genre.
type ExplicitStats struct{}

func (ExplicitStats) Map(line string) ([]types.KeyValue, error) {
	row, err := parseRow(line)
	if err != nil {
		return nil, err
	}
	if len(row) < trackColumns || row[colExplicit] == "explicit" {
		return nil, nil
	}

	v := explicitValue{TrackCount: 1}
	if strings.EqualFold(strings.TrimSpace(row[colExplicit]), "true") {
		v.ExplicitCount = 1
	}
	kv, err := types.NewKeyValue(strings.TrimSpace(row[colGenre]), v)
	if err != nil {
		return nil, err
	}
	return []types.KeyValue{kv}, nil
}

func (ExplicitStats) Reduce(key string, values []json.RawMessage) (any, error) {
	var total, explicit int
	for _, raw := range values {
		var v explicitValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid explicit value: %w", err)
		}
		total += v.TrackCount
		explicit += v.ExplicitCount
	}
	if total == 0 {
		return nil, nil
	}

	ratio := float64(explicit) / float64(total)
	return ExplicitStatsRecord{
		Genre:              key,
		TotalTracks:        total,
		ExplicitTracks:     explicit,
		ExplicitRatio:      round(ratio, 4),
		ExplicitPercentage: round(ratio*100, 2),
	}, nil
}
