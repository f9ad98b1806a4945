package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"DistMR/internal/types"
)

// Grep emits every line matching the "pattern" feature, keyed by the line,
// and reduces to the line with its number of occurrences.
type Grep struct {
	pattern string
	regex   *regexp.Regexp
}

// GrepMatch is one output record of Grep
type GrepMatch struct {
	Line        string `json:"line"`
	Occurrences int    `json:"occurrences"`
}

func (g *Grep) Configure(features map[string]string) error {
	pattern, ok := features["pattern"]
	if !ok || pattern == "" {
		return errors.New("grep requires feature pattern=<regex>")
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	g.pattern = pattern
	g.regex = regex
	return nil
}

func (g *Grep) Map(line string) ([]types.KeyValue, error) {
	if g.regex == nil {
		return nil, errors.New("grep is not configured")
	}
	if !g.regex.MatchString(line) {
		return nil, nil
	}
	return []types.KeyValue{{Key: line, Value: json.RawMessage("1")}}, nil
}

func (g *Grep) Reduce(key string, values []json.RawMessage) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return GrepMatch{Line: key, Occurrences: len(values)}, nil
}
