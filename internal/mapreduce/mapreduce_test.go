package mapreduce

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// countJob emits (first field, 1) and panics on lines starting with "panic".
type countJob struct{}

func (countJob) Map(line string) ([]types.KeyValue, error) {
	if strings.HasPrefix(line, "panic") {
		panic("malformed line")
	}
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return nil, errors.New("expected at least two fields")
	}
	kv, err := types.NewKeyValue(fields[0], 1)
	if err != nil {
		return nil, err
	}
	return []types.KeyValue{kv}, nil
}

func (countJob) Reduce(key string, values []json.RawMessage) (any, error) {
	switch key {
	case "drop":
		return nil, nil
	case "boom":
		return nil, errors.New("cannot reduce")
	case "panic":
		panic("reduce panic")
	}
	total := 0
	for _, v := range values {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, err
		}
		total += n
	}
	return map[string]any{"key": key, "count": total}, nil
}

func peersOf(w int) []types.PeerInfo {
	peers := make([]types.PeerInfo, w)
	for i := range peers {
		peers[i] = types.PeerInfo{ID: types.WorkerID(i + 1)}
	}
	return peers
}

func TestDestinationIsStableAcrossInstances(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := make([]string, 10000)
	for i := range keys {
		keys[i] = strconv.FormatInt(rng.Int63(), 36)
	}

	for _, w := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("W=%d", w), func(t *testing.T) {
			// two independently built peer lists stand in for two workers
			a, b := peersOf(w), peersOf(w)
			for _, k := range keys {
				da, db := Destination(k, a), Destination(k, b)
				if da != db {
					t.Fatalf("key %q: destination %d != %d", k, da, db)
				}
				if da < 1 || int(da) > w {
					t.Fatalf("key %q: destination %d out of range 1..%d", k, da, w)
				}
				if int(da) != PartitionIndex(k, w)+1 {
					t.Fatalf("key %q: destination %d != hash mod W + 1", k, da)
				}
			}
		})
	}
}

func TestPartitionIndexEdgeCases(t *testing.T) {
	first := PartitionIndex("pop", 4)
	for i := 0; i < 100; i++ {
		if got := PartitionIndex("pop", 4); got != first {
			t.Fatalf("PartitionIndex changed between calls: %d vs %d", first, got)
		}
	}
	if PartitionIndex("anything", 1) != 0 {
		t.Error("with one worker every key belongs to index 0")
	}
	if PartitionIndex("anything", 0) != 0 {
		t.Error("zero workers should not divide by zero")
	}
}

func TestPartitionKeepsEveryPair(t *testing.T) {
	var kvs []types.KeyValue
	for i := 0; i < 100; i++ {
		kv, _ := types.NewKeyValue(fmt.Sprintf("k%d", i%13), i)
		kvs = append(kvs, kv)
	}
	peers := peersOf(3)
	parts := Partition(kvs, peers)

	total := 0
	for dst, part := range parts {
		for _, kv := range part {
			if Destination(kv.Key, peers) != dst {
				t.Errorf("key %s placed in partition %d", kv.Key, dst)
			}
		}
		total += len(part)
	}
	if total != len(kvs) {
		t.Errorf("expected %d pairs across partitions, got %d", len(kvs), total)
	}
}

func TestExecutor_RunMapSkipsFaultyLines(t *testing.T) {
	ex := NewExecutor(countJob{}, logger.Discard())

	chunk := types.Chunk{"a,1", "panic,now", "b,2", "nofields", "a,3"}
	kvs, rep := ex.RunMap(chunk)

	if rep.Processed != 3 || rep.Skipped != 2 {
		t.Errorf("expected processed=3 skipped=2, got %+v", rep)
	}
	if len(kvs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(kvs))
	}
	if kvs[0].Key != "a" || kvs[1].Key != "b" || kvs[2].Key != "a" {
		t.Errorf("pairs out of input order: %+v", kvs)
	}
}

func TestExecutor_RunReduce(t *testing.T) {
	ex := NewExecutor(countJob{}, logger.Discard())
	one := json.RawMessage("1")

	groups := []Group{
		{Key: "zeta", Values: []json.RawMessage{one, one}},
		{Key: "drop", Values: []json.RawMessage{one}},
		{Key: "boom", Values: []json.RawMessage{one}},
		{Key: "panic", Values: []json.RawMessage{one}},
		{Key: "alpha", Values: []json.RawMessage{one, one, one}},
	}

	records, rep := ex.RunReduce(groups)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %v", len(records), records)
	}
	if rep.Skipped != 2 {
		t.Errorf("expected 2 faulted keys, got %d", rep.Skipped)
	}

	first := records[0].(map[string]any)
	if first["key"] != "alpha" || first["count"] != 3 {
		t.Errorf("expected alpha=3 first, got %v", first)
	}
}

func TestExecutor_ReduceIsIdempotent(t *testing.T) {
	ex := NewExecutor(countJob{}, logger.Discard())

	var kvs []types.KeyValue
	for i := 0; i < 50; i++ {
		kv, _ := types.NewKeyValue(fmt.Sprintf("key-%d", i%7), 1)
		kvs = append(kvs, kv)
	}
	groups := GroupByKey(kvs)

	run := func() []byte {
		records, _ := ex.RunReduce(groups)
		b, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return b
	}

	if first, second := run(), run(); !bytes.Equal(first, second) {
		t.Errorf("reduce output differs between runs:\n%s\n---\n%s", first, second)
	}
}

func TestGroupByKey(t *testing.T) {
	mk := func(k, v string) types.KeyValue { return types.KeyValue{Key: k, Value: json.RawMessage(v)} }
	groups := GroupByKey([]types.KeyValue{mk("b", "1"), mk("a", "2"), mk("b", "3")})

	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Key != "b" || string(groups[0].Values[1]) != "3" {
		t.Errorf("unexpected first group %+v", groups[0])
	}
}

type configurableJob struct {
	countJob
	pattern string
}

func (j *configurableJob) Configure(features map[string]string) error {
	p, ok := features["pattern"]
	if !ok {
		return errors.New("missing pattern")
	}
	j.pattern = p
	return nil
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	if err := c.Register("count", func() Job { return countJob{} }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := c.Register("count", func() Job { return countJob{} }); err == nil {
		t.Error("duplicate Register should fail")
	}
	c.Register("conf", func() Job { return &configurableJob{} })

	if _, err := c.Lookup("missing", nil); err == nil {
		t.Error("Lookup of unknown job should fail")
	}
	if _, err := c.Lookup("count", map[string]string{"x": "y"}); err == nil {
		t.Error("features on a non-configurable job should fail")
	}
	if _, err := c.Lookup("conf", nil); err == nil {
		t.Error("Configure error should surface")
	}

	job, err := c.Lookup("conf", map[string]string{"pattern": "rock"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if job.(*configurableJob).pattern != "rock" {
		t.Error("features not applied")
	}

	if names := c.Names(); len(names) != 2 || names[0] != "conf" {
		t.Errorf("unexpected names %v", names)
	}
}
