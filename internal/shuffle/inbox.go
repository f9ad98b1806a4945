package shuffle

import (
	"sync"

	"DistMR/internal/mapreduce"
	"DistMR/internal/types"
)

// Inbox accumulates every pair a worker owns after the shuffle: its own local
// partition plus whatever peers pushed to it.
type Inbox struct {
	mu        sync.Mutex
	pairs     []types.KeyValue
	received  map[types.WorkerID]int
	transfers map[string]bool
}

func NewInbox() *Inbox {
	return &Inbox{
		received:  make(map[types.WorkerID]int),
		transfers: make(map[string]bool),
	}
}

// Merge adds a peer transfer. A transfer id seen before is ignored so a
// retried send whose ack was lost is not counted twice.
func (b *Inbox) Merge(src types.WorkerID, transferID string, kvs []types.KeyValue) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if transferID != "" {
		if b.transfers[transferID] {
			return false
		}
		b.transfers[transferID] = true
	}
	b.pairs = append(b.pairs, kvs...)
	b.received[src] += len(kvs)
	return true
}

// MergeLocal adds the partition a worker kept for itself.
func (b *Inbox) MergeLocal(kvs []types.KeyValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pairs = append(b.pairs, kvs...)
}

// Received returns pairs merged per source peer, local pairs excluded.
func (b *Inbox) Received() map[types.WorkerID]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(map[types.WorkerID]int, len(b.received))
	for k, v := range b.received {
		cp[k] = v
	}
	return cp
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}

// Groups groups the accumulated pairs by key.
func (b *Inbox) Groups() []mapreduce.Group {
	b.mu.Lock()
	pairs := make([]types.KeyValue, len(b.pairs))
	copy(pairs, b.pairs)
	b.mu.Unlock()
	return mapreduce.GroupByKey(pairs)
}
