// Package journal replicates job progress through Raft. The log is durable
// and can be inspected from any node; the coordinator only writes to it and
// does not resume a job from it after a restart.
package journal

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

const applyTimeout = 5 * time.Second

// Journal is a Raft node whose FSM holds job state
type Journal struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a journal node
type Config struct {
	NodeID    string // unique node identifier
	BindAddr  string // address to bind the Raft transport
	BindPort  int    // 0 picks a free port
	DataDir   string // log store, stable store and snapshots
	Bootstrap bool   // form a new single-voter cluster when no state exists
}

// Open starts a journal node, bootstrapping it when asked to.
func Open(cfg Config, lg *logger.Logger) (*Journal, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}

	lg = lg.Named("journal")
	lg.Info("Initializing journal node: node_id=%s bind_addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	j := &Journal{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(lg),
		logger: lg,
	}
	ok := false
	defer func() {
		if ok {
			return
		}
		// raft closes the transport on Shutdown; before NewRaft it is ours
		if j.raft == nil && j.transport != nil {
			j.transport.Close()
		}
		j.closeStores()
	}()

	logOutput := lg.Writer(logger.DEBUG)

	var err error
	if j.logStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db")); err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	if j.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db")); err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	if j.snapshotStore, err = raft.NewFileSnapshotStore(cfg.DataDir, 3, logOutput); err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	bind := net.JoinHostPort(cfg.BindAddr, fmt.Sprint(cfg.BindPort))
	var advertise net.Addr
	if cfg.BindPort != 0 {
		if advertise, err = net.ResolveTCPAddr("tcp", bind); err != nil {
			return nil, fmt.Errorf("failed to resolve address: %w", err)
		}
	}
	if j.transport, err = raft.NewTCPTransport(bind, advertise, 3, 10*time.Second, logOutput); err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 64
	raftCfg.LogOutput = logOutput

	if j.raft, err = raft.NewRaft(raftCfg, j.fsm, j.logStore, j.stableStore, j.snapshotStore, j.transport); err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(j.logStore, j.stableStore, j.snapshotStore)
		if err != nil {
			j.raft.Shutdown()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !existing {
			configuration := raft.Configuration{
				Servers: []raft.Server{{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(cfg.NodeID),
					Address:  j.transport.LocalAddr(),
				}},
			}
			if err := j.raft.BootstrapCluster(configuration).Error(); err != nil {
				j.raft.Shutdown()
				return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			lg.Info("Journal bootstrapped as first node")
		}
	}

	ok = true
	return j, nil
}

// Addr is the Raft transport address peers join through.
func (j *Journal) Addr() string {
	return string(j.transport.LocalAddr())
}

// AddPeer adds a voter to the journal cluster. Leader only.
func (j *Journal) AddPeer(nodeID, address string) error {
	return j.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0).Error()
}

func (j *Journal) IsLeader() bool {
	return j.raft.State() == raft.Leader
}

func (j *Journal) Leader() string {
	addr, _ := j.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader waits until this node sees an elected leader
func (j *Journal) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if j.Leader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

func (j *Journal) apply(ev Event) error {
	if !j.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", j.Leader())
	}
	ev.Timestamp = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	f := j.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}
	if err, isErr := f.Response().(error); isErr && err != nil {
		return err
	}
	return nil
}

func (j *Journal) RecordPhase(jobID string, phase types.JobPhase, detail string) error {
	return j.apply(Event{Type: EventPhase, JobID: jobID, Phase: phase, Detail: detail})
}

func (j *Journal) RecordWorker(jobID string, id types.WorkerID, status types.WorkerPhase) error {
	return j.apply(Event{Type: EventWorker, JobID: jobID, WorkerID: id, Status: status})
}

// State returns the replicated state as applied on this node.
func (j *Journal) State() *State {
	return j.fsm.State()
}

func (j *Journal) Job(jobID string) (*JobState, bool) {
	return j.fsm.Job(jobID)
}

func (j *Journal) Stats() map[string]string {
	return j.raft.Stats()
}

func (j *Journal) Close() error {
	if err := j.raft.Shutdown().Error(); err != nil {
		return err
	}
	return j.closeStores()
}

func (j *Journal) closeStores() error {
	if j.logStore != nil {
		if err := j.logStore.Close(); err != nil {
			return err
		}
	}
	if j.stableStore != nil {
		if err := j.stableStore.Close(); err != nil {
			return err
		}
	}
	return nil
}
