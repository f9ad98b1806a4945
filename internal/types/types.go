package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// WorkerID identifies a worker for the lifetime of a job. IDs are 1-based.
type WorkerID int

// WorkerAddress is the endpoint a worker exposes for peer shuffle connections
type WorkerAddress struct {
	Host string `json:"ip"`
	Port int    `json:"port"`
}

func (a WorkerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress splits "host:port" into a WorkerAddress.
func ParseAddress(s string) (WorkerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return WorkerAddress{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return WorkerAddress{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return WorkerAddress{Host: host, Port: p}, nil
}

// PeerInfo is one entry of the id-ordered address list broadcast with start_shuffle
type PeerInfo struct {
	ID      WorkerID      `json:"id"`
	Address WorkerAddress `json:"address"`
}

// KeyValue is the intermediate pair produced by map functions.
// Value is opaque to the engine.
type KeyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewKeyValue marshals v as the pair's value.
func NewKeyValue(key string, v any) (KeyValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return KeyValue{}, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	return KeyValue{Key: key, Value: b}, nil
}

// Chunk is the ordered sequence of input lines assigned to one worker for the map phase
type Chunk []string

// PhaseReport summarizes a map or reduce invocation on one worker
type PhaseReport struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Emitted   int `json:"emitted"`
}

// ShuffleReport is what a worker sends with shuffle_done: pairs sent per
// destination and destinations whose delivery failed after retries.
type ShuffleReport struct {
	Sent   map[WorkerID]int    `json:"sent"`
	Local  int                 `json:"local"`
	Failed map[WorkerID]string `json:"failed,omitempty"`
}
