package mapreduce

import (
	"crypto/md5"
	"math/big"

	"DistMR/internal/types"
)

// PartitionIndex maps key to [0, n) using the md5 digest of the key read as
// an unsigned big-endian integer. Every worker computes the same index for
// the same key and worker count.
func PartitionIndex(key string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(key))
	h := new(big.Int).SetBytes(sum[:])
	return int(h.Mod(h, big.NewInt(int64(n))).Int64())
}

// Destination returns the id of the worker owning key. peers must be the
// id-ordered list broadcast with start_shuffle; for ids 1..W this equals
// PartitionIndex(key, W)+1.
func Destination(key string, peers []types.PeerInfo) types.WorkerID {
	if len(peers) == 0 {
		return 0
	}
	return peers[PartitionIndex(key, len(peers))].ID
}

// Partition splits pairs by owning worker. Order within each partition
// follows the input order.
func Partition(kvs []types.KeyValue, peers []types.PeerInfo) map[types.WorkerID][]types.KeyValue {
	parts := make(map[types.WorkerID][]types.KeyValue, len(peers))
	for _, kv := range kvs {
		dst := Destination(kv.Key, peers)
		parts[dst] = append(parts[dst], kv)
	}
	return parts
}
