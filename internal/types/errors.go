package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoWorkers is returned when a phase is started with an empty registry
var ErrNoWorkers = errors.New("no workers registered")

// ProtocolError is a malformed or undecodable frame on a worker connection
type ProtocolError struct {
	WorkerID WorkerID
	Phase    JobPhase
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: worker_id=%d phase=%s: %v", e.WorkerID, e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// JobFunctionError is a fault raised by a pluggable map or reduce function
type JobFunctionError struct {
	Phase JobPhase
	Input string
	Err   error
}

func (e *JobFunctionError) Error() string {
	return fmt.Sprintf("job function error: phase=%s input=%q: %v", e.Phase, e.Input, e.Err)
}

func (e *JobFunctionError) Unwrap() error { return e.Err }

// PeerUnreachableError reports shuffle partitions that could not be delivered
type PeerUnreachableError struct {
	WorkerID WorkerID
	Failed   map[WorkerID]string
}

func (e *PeerUnreachableError) Error() string {
	dests := make([]int, 0, len(e.Failed))
	for id := range e.Failed {
		dests = append(dests, int(id))
	}
	sort.Ints(dests)
	parts := make([]string, 0, len(dests))
	for _, d := range dests {
		parts = append(parts, fmt.Sprintf("%d: %s", d, e.Failed[WorkerID(d)]))
	}
	return fmt.Sprintf("peer unreachable: worker_id=%d phase=%s failed=[%s]", e.WorkerID, JobShuffle, strings.Join(parts, "; "))
}

// RegistrationConflictError is raised when a worker id registered twice
// and the anomaly has not been resolved.
type RegistrationConflictError struct {
	WorkerIDs []WorkerID
}

func (e *RegistrationConflictError) Error() string {
	return fmt.Sprintf("registration conflict: worker_ids=%v re-registered mid-job", e.WorkerIDs)
}

// BarrierTimeoutError is raised when a phase barrier is not satisfied in time
type BarrierTimeoutError struct {
	Phase   JobPhase
	Timeout time.Duration
	Workers []WorkerID
}

func (e *BarrierTimeoutError) Error() string {
	return fmt.Sprintf("barrier timeout: phase=%s timeout=%s stalled_workers=%v", e.Phase, e.Timeout, e.Workers)
}

// WorkerLostError is raised when a worker taking part in a phase disconnects or fails
type WorkerLostError struct {
	WorkerID WorkerID
	Phase    JobPhase
	Err      error
}

func (e *WorkerLostError) Error() string {
	return fmt.Sprintf("worker lost: worker_id=%d phase=%s: %v", e.WorkerID, e.Phase, e.Err)
}

func (e *WorkerLostError) Unwrap() error { return e.Err }

// BroadcastError collects per-worker send failures of one broadcast
type BroadcastError struct {
	Kind   string
	Failed map[WorkerID]error
}

func (e *BroadcastError) Error() string {
	ids := make([]int, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	return fmt.Sprintf("broadcast %s failed for worker_ids=%v", e.Kind, ids)
}
