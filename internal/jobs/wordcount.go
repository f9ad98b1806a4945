package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"DistMR/internal/types"
)

// WordCount counts words across the dataset. Feature "lowercase=false"
// keeps the original case.
type WordCount struct {
	keepCase bool
}

func (w *WordCount) Configure(features map[string]string) error {
	for k, v := range features {
		switch k {
		case "lowercase":
			w.keepCase = v == "false"
		default:
			return fmt.Errorf("unknown wordcount feature: %s", k)
		}
	}
	return nil
}

func (w *WordCount) Map(line string) ([]types.KeyValue, error) {
	words := strings.FieldsFunc(line, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	kvs := make([]types.KeyValue, 0, len(words))
	for _, word := range words {
		if !w.keepCase {
			word = strings.ToLower(word)
		}
		kvs = append(kvs, types.KeyValue{Key: word, Value: json.RawMessage("1")})
	}
	return kvs, nil
}

func (w *WordCount) Reduce(key string, values []json.RawMessage) (any, error) {
	total := 0
	for _, raw := range values {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid count: %w", err)
		}
		total += n
	}
	return map[string]any{"word": key, "count": total}, nil
}
