// Package store persists a worker's intermediate pairs between map and
// shuffle, and its reduced records once reduce finishes.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"DistMR/internal/types"
)

const (
	intermediatePrefix = "map_results_"
	outputPrefix       = "reduce_results_"
)

// Store is a directory of per-worker JSON files
type Store struct {
	Dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) IntermediatePath(id types.WorkerID) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d.json", intermediatePrefix, id))
}

func (s *Store) OutputPath(id types.WorkerID) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d.json", outputPrefix, id))
}

// SaveIntermediate replaces the worker's map output.
func (s *Store) SaveIntermediate(id types.WorkerID, kvs []types.KeyValue) error {
	if kvs == nil {
		kvs = []types.KeyValue{}
	}
	return writeJSON(s.IntermediatePath(id), kvs, false)
}

func (s *Store) LoadIntermediate(id types.WorkerID) ([]types.KeyValue, error) {
	data, err := os.ReadFile(s.IntermediatePath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read intermediate results: %w", err)
	}
	var kvs []types.KeyValue
	if err := json.Unmarshal(data, &kvs); err != nil {
		return nil, fmt.Errorf("failed to decode intermediate results: %w", err)
	}
	return kvs, nil
}

// SaveOutput writes the worker's reduced records as an indented JSON array.
func (s *Store) SaveOutput(id types.WorkerID, records []any) (string, error) {
	if records == nil {
		records = []any{}
	}
	path := s.OutputPath(id)
	if err := writeJSON(path, records, true); err != nil {
		return "", err
	}
	return path, nil
}

// MergeOutputs concatenates every reduce_results_<id>.json in dir in worker
// id order. The engine never calls it; it backs the CLI collect mode.
func MergeOutputs(dir string) ([]json.RawMessage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	type file struct {
		id   int
		path string
	}
	var files []file
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, outputPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, outputPrefix), ".json"))
		if err != nil {
			continue
		}
		files = append(files, file{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	var merged []json.RawMessage
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", f.path, err)
		}
		merged = append(merged, records...)
	}
	return merged, nil
}

// writeJSON writes through a temp file so readers never see a partial file.
func writeJSON(path string, v any, indent bool) error {
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
