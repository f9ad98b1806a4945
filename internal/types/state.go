package types

import (
	"fmt"
	"strings"
)

// WorkerPhase is the phase-status a worker last reported to the coordinator
type WorkerPhase string

const (
	WorkerRegistered      WorkerPhase = "REGISTERED"
	WorkerMapAssigned     WorkerPhase = "MAP_ASSIGNED"
	WorkerMapDone         WorkerPhase = "MAP_DONE"
	WorkerShuffleAssigned WorkerPhase = "SHUFFLE_ASSIGNED"
	WorkerShuffleDone     WorkerPhase = "SHUFFLE_DONE"
	WorkerReduceAssigned  WorkerPhase = "REDUCE_ASSIGNED"
	WorkerReduceDone      WorkerPhase = "REDUCE_DONE"
	WorkerFailed          WorkerPhase = "FAILED"
)

var workerPhaseOrder = []WorkerPhase{
	WorkerRegistered,
	WorkerMapAssigned,
	WorkerMapDone,
	WorkerShuffleAssigned,
	WorkerShuffleDone,
	WorkerReduceAssigned,
	WorkerReduceDone,
}

// Predecessor returns the only status a worker may hold right before p.
// REGISTERED and FAILED have no predecessor.
func (p WorkerPhase) Predecessor() (WorkerPhase, bool) {
	for i, q := range workerPhaseOrder {
		if q == p && i > 0 {
			return workerPhaseOrder[i-1], true
		}
	}
	return "", false
}

// CanTransition reports whether a worker holding "from" may move to "to".
// FAILED is reachable from anywhere.
func CanTransition(from, to WorkerPhase) bool {
	if to == WorkerFailed {
		return from != WorkerFailed
	}
	prev, ok := to.Predecessor()
	return ok && prev == from
}

// JobPhase is the orchestrator-global phase of the job
type JobPhase string

const (
	JobIdle     JobPhase = "IDLE"
	JobMap      JobPhase = "MAP"
	JobShuffle  JobPhase = "SHUFFLE"
	JobReduce   JobPhase = "REDUCE"
	JobComplete JobPhase = "COMPLETE"
	JobFailed   JobPhase = "FAILED"
)

// Assigned returns the worker status set when phase p starts
func (p JobPhase) Assigned() WorkerPhase {
	switch p {
	case JobMap:
		return WorkerMapAssigned
	case JobShuffle:
		return WorkerShuffleAssigned
	case JobReduce:
		return WorkerReduceAssigned
	}
	return ""
}

// Done returns the worker status that satisfies the barrier of phase p
func (p JobPhase) Done() WorkerPhase {
	switch p {
	case JobMap:
		return WorkerMapDone
	case JobShuffle:
		return WorkerShuffleDone
	case JobReduce:
		return WorkerReduceDone
	}
	return ""
}

// Next returns the phase that follows p in a single job run
func (p JobPhase) Next() JobPhase {
	switch p {
	case JobIdle:
		return JobMap
	case JobMap:
		return JobShuffle
	case JobShuffle:
		return JobReduce
	case JobReduce:
		return JobComplete
	}
	return p
}

// ParseJobPhase accepts the upper or lower case phase name
func ParseJobPhase(s string) (JobPhase, error) {
	switch JobPhase(strings.ToUpper(s)) {
	case JobMap:
		return JobMap, nil
	case JobShuffle:
		return JobShuffle, nil
	case JobReduce:
		return JobReduce, nil
	}
	return "", fmt.Errorf("unknown phase: %s", s)
}
