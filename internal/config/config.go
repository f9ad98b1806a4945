// Package config loads the cluster description shared by the coordinator and
// every worker.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"DistMR/internal/types"
)

// Duration is a time.Duration that reads and writes Go duration strings
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config mirrors config.json. Worker i (1-based) listens for peers on
// WorkerNodes[i-1].
type Config struct {
	MasterNode  types.WorkerAddress   `json:"master_node"`
	WorkerNodes []types.WorkerAddress `json:"worker_nodes"`

	PhaseTimeout    Duration `json:"phase_timeout"`
	MinTick         Duration `json:"min_tick"`
	ShuffleAttempts int      `json:"shuffle_attempts"`
	ShuffleBackoff  Duration `json:"shuffle_backoff"`

	WorkDir    string `json:"work_dir"`
	Dataset    string `json:"dataset"`
	SkipHeader bool   `json:"skip_header"`
	Manual     bool   `json:"manual"`

	HTTPPort   int    `json:"http_port"`
	GossipPort int    `json:"gossip_port"`
	RaftPort   int    `json:"raft_port"`
	RaftDir    string `json:"raft_dir"`

	LogLevel string            `json:"log_level"`
	Job      string            `json:"job"`
	Features map[string]string `json:"features,omitempty"`
}

// Default returns a three-worker localhost cluster.
func Default() *Config {
	return &Config{
		MasterNode: types.WorkerAddress{Host: "127.0.0.1", Port: 5000},
		WorkerNodes: []types.WorkerAddress{
			{Host: "127.0.0.1", Port: 5001},
			{Host: "127.0.0.1", Port: 5002},
			{Host: "127.0.0.1", Port: 5003},
		},
		PhaseTimeout:    Duration(10 * time.Minute),
		MinTick:         Duration(50 * time.Millisecond),
		ShuffleAttempts: 3,
		ShuffleBackoff:  Duration(200 * time.Millisecond),
		WorkDir:         ".",
		Dataset:         "dataset.csv",
		SkipHeader:      true,
		Manual:          true,
		LogLevel:        "INFO",
		Job:             "genre_stats",
	}
}

// Load reads path over the defaults, so a file only needs the fields it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg := Default()
	// json merges into existing slice elements and structs, so node
	// addresses given in the file must start from zero values
	if _, ok := fields["master_node"]; ok {
		cfg.MasterNode = types.WorkerAddress{}
	}
	if _, ok := fields["worker_nodes"]; ok {
		cfg.WorkerNodes = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.MasterNode.Host == "" || c.MasterNode.Port <= 0 {
		errs = append(errs, errors.New("master_node needs ip and port"))
	}
	if len(c.WorkerNodes) == 0 {
		errs = append(errs, errors.New("worker_nodes is empty"))
	}
	for i, w := range c.WorkerNodes {
		if w.Host == "" || w.Port <= 0 {
			errs = append(errs, fmt.Errorf("worker_nodes[%d] needs ip and port", i))
		}
	}
	if c.PhaseTimeout < 0 || c.MinTick < 0 || c.ShuffleBackoff < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.ShuffleAttempts <= 0 {
		errs = append(errs, errors.New("shuffle_attempts must be positive"))
	}
	if c.Job == "" {
		errs = append(errs, errors.New("job is required"))
	}
	return errors.Join(errs...)
}

// Worker returns the peer address of worker id.
func (c *Config) Worker(id types.WorkerID) (types.WorkerAddress, error) {
	if id < 1 || int(id) > len(c.WorkerNodes) {
		return types.WorkerAddress{}, fmt.Errorf("worker id %d not in worker_nodes (1..%d)", id, len(c.WorkerNodes))
	}
	return c.WorkerNodes[id-1], nil
}
