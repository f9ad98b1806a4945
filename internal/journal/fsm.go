package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	raft "github.com/hashicorp/raft"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

type EventType string

const (
	EventPhase  EventType = "phase"
	EventWorker EventType = "worker"
)

// Event is one replicated log entry
type Event struct {
	Type      EventType         `json:"type"`
	JobID     string            `json:"job_id"`
	Phase     types.JobPhase    `json:"phase,omitempty"`
	WorkerID  types.WorkerID    `json:"worker_id,omitempty"`
	Status    types.WorkerPhase `json:"status,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// JobState is the journaled view of one job
type JobState struct {
	JobID     string                               `json:"job_id"`
	Phase     types.JobPhase                       `json:"phase"`
	Detail    string                               `json:"detail,omitempty"`
	Workers   map[types.WorkerID]types.WorkerPhase `json:"workers"`
	History   []Event                              `json:"history"`
	UpdatedAt time.Time                            `json:"updated_at"`
}

// State is everything the FSM agrees on
type State struct {
	Jobs    map[string]*JobState `json:"jobs"`
	Version uint64               `json:"version"`
}

func newState() *State {
	return &State{Jobs: make(map[string]*JobState)}
}

func (s *State) job(id string) *JobState {
	j, ok := s.Jobs[id]
	if !ok {
		j = &JobState{JobID: id, Phase: types.JobIdle, Workers: make(map[types.WorkerID]types.WorkerPhase)}
		s.Jobs[id] = j
	}
	return j
}

func (s *State) clone() *State {
	cp := &State{Jobs: make(map[string]*JobState, len(s.Jobs)), Version: s.Version}
	for id, j := range s.Jobs {
		cp.Jobs[id] = j.clone()
	}
	return cp
}

func (j *JobState) clone() *JobState {
	cp := *j
	cp.Workers = make(map[types.WorkerID]types.WorkerPhase, len(j.Workers))
	for k, v := range j.Workers {
		cp.Workers[k] = v
	}
	cp.History = append([]Event(nil), j.History...)
	return &cp
}

// FSM implements the Finite State Machine for Raft.
// It folds job events into the shared job state all nodes agree on.
type FSM struct {
	mu     sync.RWMutex
	state  *State
	logger *logger.Logger
}

func NewFSM(lg *logger.Logger) *FSM {
	return &FSM{
		state:  newState(),
		logger: lg.Named("fsm"),
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	var ev Event
	if err := json.Unmarshal(log.Data, &ev); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}
	return f.apply(ev)
}

func (f *FSM) apply(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.JobID == "" {
		return fmt.Errorf("event without job id: type=%s", ev.Type)
	}

	switch ev.Type {
	case EventPhase:
		j := f.state.job(ev.JobID)
		j.Phase = ev.Phase
		j.Detail = ev.Detail
		j.History = append(j.History, ev)
		j.UpdatedAt = ev.Timestamp
		f.logger.Debug("Applied phase: job_id=%s phase=%s", ev.JobID, ev.Phase)

	case EventWorker:
		j := f.state.job(ev.JobID)
		j.Workers[ev.WorkerID] = ev.Status
		j.UpdatedAt = ev.Timestamp
		f.logger.Debug("Applied worker status: job_id=%s worker_id=%d status=%s", ev.JobID, ev.WorkerID, ev.Status)

	default:
		f.logger.Warn("Unknown log entry type: %s", ev.Type)
		return fmt.Errorf("unknown log entry type: %s", ev.Type)
	}

	f.state.Version++
	return nil
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.state.clone()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := newState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

// State returns a copy of the current state
func (f *FSM) State() *State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

// Job returns a copy of one job's state.
func (f *FSM) Job(jobID string) (*JobState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	j, ok := f.state.Jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *State
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (s *snapshot) Release() {}
