package mapreduce

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// Mapper turns one input line into intermediate pairs.
type Mapper interface {
	Map(line string) ([]types.KeyValue, error)
}

// Reducer folds every value seen for a key into one record. A nil record is
// dropped from the output.
type Reducer interface {
	Reduce(key string, values []json.RawMessage) (any, error)
}

// Job is the pluggable map/reduce pair a worker executes.
type Job interface {
	Mapper
	Reducer
}

// Configurable is implemented by jobs that accept feature flags at startup.
type Configurable interface {
	Configure(features map[string]string) error
}

// Group is every value one worker holds for a key, in arrival order
type Group struct {
	Key    string
	Values []json.RawMessage
}

// Executor runs a Job's functions over chunks and groups without knowing
// anything about the job's semantics.
type Executor struct {
	job    Job
	logger *logger.Logger
}

// NewExecutor creates a new executor for job.
func NewExecutor(job Job, lg *logger.Logger) *Executor {
	return &Executor{
		job:    job,
		logger: lg.Named("executor"),
	}
}

// RunMap calls Map on every line of chunk. A line whose Map call fails or
// panics is skipped and counted; the rest of the chunk still runs.
func (e *Executor) RunMap(chunk types.Chunk) ([]types.KeyValue, types.PhaseReport) {
	var (
		out []types.KeyValue
		rep types.PhaseReport
	)

	for _, line := range chunk {
		kvs, err := e.safeMap(line)
		if err != nil {
			rep.Skipped++
			e.logger.Warn("Skipping line: %v", err)
			continue
		}
		rep.Processed++
		rep.Emitted += len(kvs)
		out = append(out, kvs...)
	}

	e.logger.Info("Map finished: lines=%d skipped=%d pairs=%d", len(chunk), rep.Skipped, len(out))
	return out, rep
}

func (e *Executor) safeMap(line string) (kvs []types.KeyValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("map panic stack: %s", debug.Stack())
			err = &types.JobFunctionError{Phase: types.JobMap, Input: line, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	kvs, err = e.job.Map(line)
	if err != nil {
		return nil, &types.JobFunctionError{Phase: types.JobMap, Input: line, Err: err}
	}
	return kvs, nil
}

// RunReduce calls Reduce once per group in key order. A faulting key yields
// no record and is counted; nil records are dropped silently.
func (e *Executor) RunReduce(groups []Group) ([]any, types.PhaseReport) {
	sorted := make([]Group, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var (
		out []any
		rep types.PhaseReport
	)

	for _, g := range sorted {
		rec, err := e.safeReduce(g)
		if err != nil {
			rep.Skipped++
			e.logger.Warn("Reduce produced no record: %v", err)
			continue
		}
		rep.Processed++
		if rec == nil {
			continue
		}
		rep.Emitted++
		out = append(out, rec)
	}

	e.logger.Info("Reduce finished: keys=%d skipped=%d records=%d", len(groups), rep.Skipped, len(out))
	return out, rep
}

func (e *Executor) safeReduce(g Group) (rec any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.JobFunctionError{Phase: types.JobReduce, Input: g.Key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	rec, err = e.job.Reduce(g.Key, g.Values)
	if err != nil {
		return nil, &types.JobFunctionError{Phase: types.JobReduce, Input: g.Key, Err: err}
	}
	return rec, nil
}

// GroupByKey groups pairs by key, keeping the order values were seen in.
func GroupByKey(kvs []types.KeyValue) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, kv := range kvs {
		i, ok := index[kv.Key]
		if !ok {
			i = len(groups)
			index[kv.Key] = i
			groups = append(groups, Group{Key: kv.Key})
		}
		groups[i].Values = append(groups[i].Values, kv.Value)
	}
	return groups
}
