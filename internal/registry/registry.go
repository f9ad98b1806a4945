package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

// Sender is the write side of a worker's control connection
type Sender interface {
	Send(msg *protocol.Message) error
	Close() error
}

// TransitionError is returned when a worker reports a status out of order
type TransitionError struct {
	WorkerID types.WorkerID
	From     types.WorkerPhase
	To       types.WorkerPhase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: worker_id=%d %s -> %s", e.WorkerID, e.From, e.To)
}

type record struct {
	id           types.WorkerID
	address      types.WorkerAddress
	status       types.WorkerPhase
	conn         Sender
	registeredAt time.Time
	updatedAt    time.Time
	reason       string
	reports      map[types.WorkerPhase]types.PhaseReport
}

// WorkerView is an immutable copy of one registry record
type WorkerView struct {
	ID           types.WorkerID                          `json:"id"`
	Address      types.WorkerAddress                     `json:"address"`
	Status       types.WorkerPhase                       `json:"status"`
	RegisteredAt time.Time                               `json:"registered_at"`
	UpdatedAt    time.Time                               `json:"updated_at"`
	Reason       string                                  `json:"reason,omitempty"`
	Reports      map[types.WorkerPhase]types.PhaseReport `json:"reports,omitempty"`
}

// Snapshot is a point-in-time copy of the registry used for barrier checks
type Snapshot struct {
	Workers   map[types.WorkerID]WorkerView             `json:"workers"`
	Departed  map[types.WorkerID]string                 `json:"departed,omitempty"`
	Anomalies map[types.WorkerID]string                 `json:"anomalies,omitempty"`
	Shuffle   map[types.WorkerID]types.ShuffleReport    `json:"shuffle,omitempty"`
	Received  map[types.WorkerID]map[types.WorkerID]int `json:"received,omitempty"`
}

// IDs returns the registered worker ids in ascending order
func (s Snapshot) IDs() []types.WorkerID {
	ids := make([]types.WorkerID, 0, len(s.Workers))
	for id := range s.Workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WorkerRegistry is the coordinator's table of live workers and their phase-status
type WorkerRegistry struct {
	mu        sync.Mutex
	workers   map[types.WorkerID]*record
	departed  map[types.WorkerID]string
	anomalies map[types.WorkerID]string
	shuffle   map[types.WorkerID]types.ShuffleReport
	received  map[types.WorkerID]map[types.WorkerID]int
	changed   chan struct{}
	logger    *logger.Logger
}

func NewWorkerRegistry(lg *logger.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		workers:   make(map[types.WorkerID]*record),
		departed:  make(map[types.WorkerID]string),
		anomalies: make(map[types.WorkerID]string),
		shuffle:   make(map[types.WorkerID]types.ShuffleReport),
		received:  make(map[types.WorkerID]map[types.WorkerID]int),
		changed:   make(chan struct{}),
		logger:    lg.Named("registry"),
	}
}

// notifyLocked wakes every goroutine waiting on Changes. Caller holds mu.
func (r *WorkerRegistry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changes returns a channel that is closed on the next registry mutation.
func (r *WorkerRegistry) Changes() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Register adds a worker in REGISTERED state. A duplicate id replaces the
// stale entry's address and connection, closes the old connection and is
// recorded as an anomaly. The replaced record keeps its status and reports
// so the job can continue from where it was once the anomaly is resolved.
func (r *WorkerRegistry) Register(id types.WorkerID, addr types.WorkerAddress, conn Sender) (replaced bool) {
	r.mu.Lock()
	var stale Sender
	now := time.Now()
	rec := &record{
		id:           id,
		address:      addr,
		status:       types.WorkerRegistered,
		conn:         conn,
		registeredAt: now,
		updatedAt:    now,
		reports:      make(map[types.WorkerPhase]types.PhaseReport),
	}
	if old, exists := r.workers[id]; exists {
		stale = old.conn
		replaced = true
		r.anomalies[id] = fmt.Sprintf("re-registered while %s (previous address %s)", old.status, old.address)
		rec.status = old.status
		rec.reason = old.reason
		rec.reports = old.reports
	}
	r.workers[id] = rec
	delete(r.departed, id)
	r.notifyLocked()
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Duplicate registration, replacing stale entry: worker_id=%d address=%s", id, addr)
		if stale != nil {
			stale.Close()
		}
	} else {
		r.logger.Info("Worker registered: worker_id=%d address=%s", id, addr)
	}
	return replaced
}

// SetStatus moves a worker to phase. Only the immediate successor of the
// current status is accepted, except FAILED which is always allowed.
func (r *WorkerRegistry) SetStatus(id types.WorkerID, phase types.WorkerPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker not found: %d", id)
	}
	if !types.CanTransition(w.status, phase) {
		return &TransitionError{WorkerID: id, From: w.status, To: phase}
	}
	w.status = phase
	w.updatedAt = time.Now()
	r.notifyLocked()
	return nil
}

// RecordReport stores the summary a worker sent with a done message.
func (r *WorkerRegistry) RecordReport(id types.WorkerID, phase types.WorkerPhase, rep types.PhaseReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, exists := r.workers[id]; exists {
		w.reports[phase] = rep
	}
}

// MarkFailed demotes a worker to FAILED, keeping its record.
func (r *WorkerRegistry) MarkFailed(id types.WorkerID, reason string) {
	r.mu.Lock()
	w, exists := r.workers[id]
	if exists && w.status != types.WorkerFailed {
		w.status = types.WorkerFailed
		w.reason = reason
		w.updatedAt = time.Now()
		r.notifyLocked()
	}
	r.mu.Unlock()

	if exists {
		r.logger.Warn("Worker marked failed: worker_id=%d reason=%s", id, reason)
	}
}

// Remove deletes the record owned by conn. A record that was already replaced
// by a newer registration is left alone.
func (r *WorkerRegistry) Remove(id types.WorkerID, conn Sender, reason string) bool {
	r.mu.Lock()
	w, exists := r.workers[id]
	if !exists || (conn != nil && w.conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(r.workers, id)
	r.departed[id] = reason
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Warn("Worker removed: worker_id=%d reason=%s", id, reason)
	return true
}

// Resolve clears a registration anomaly after an operator has inspected it.
func (r *WorkerRegistry) Resolve(id types.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.anomalies[id]; !exists {
		return false
	}
	delete(r.anomalies, id)
	r.notifyLocked()
	r.logger.Info("Registration anomaly resolved: worker_id=%d", id)
	return true
}

// RecordShuffle stores the sent-ledger a worker attached to shuffle_done.
func (r *WorkerRegistry) RecordShuffle(id types.WorkerID, rep types.ShuffleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shuffle[id] = copyShuffleReport(rep)
	r.notifyLocked()
}

// RecordReceipt adds pairs that dst acknowledged receiving from src.
func (r *WorkerRegistry) RecordReceipt(dst, src types.WorkerID, pairs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.received[dst]
	if !ok {
		m = make(map[types.WorkerID]int)
		r.received[dst] = m
	}
	m[src] += pairs
	r.notifyLocked()
}

// Sender returns the control connection of a live worker. The caller sends
// without holding the registry lock.
func (r *WorkerRegistry) Sender(id types.WorkerID) (Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, exists := r.workers[id]
	if !exists {
		return nil, fmt.Errorf("worker not found: %d", id)
	}
	return w.conn, nil
}

func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Snapshot returns an immutable copy of the registry.
func (r *WorkerRegistry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Workers:   make(map[types.WorkerID]WorkerView, len(r.workers)),
		Departed:  make(map[types.WorkerID]string, len(r.departed)),
		Anomalies: make(map[types.WorkerID]string, len(r.anomalies)),
		Shuffle:   make(map[types.WorkerID]types.ShuffleReport, len(r.shuffle)),
		Received:  make(map[types.WorkerID]map[types.WorkerID]int, len(r.received)),
	}
	for id, w := range r.workers {
		reports := make(map[types.WorkerPhase]types.PhaseReport, len(w.reports))
		for k, v := range w.reports {
			reports[k] = v
		}
		s.Workers[id] = WorkerView{
			ID:           w.id,
			Address:      w.address,
			Status:       w.status,
			RegisteredAt: w.registeredAt,
			UpdatedAt:    w.updatedAt,
			Reason:       w.reason,
			Reports:      reports,
		}
	}
	for id, reason := range r.departed {
		s.Departed[id] = reason
	}
	for id, reason := range r.anomalies {
		s.Anomalies[id] = reason
	}
	for id, rep := range r.shuffle {
		s.Shuffle[id] = copyShuffleReport(rep)
	}
	for dst, m := range r.received {
		cp := make(map[types.WorkerID]int, len(m))
		for src, n := range m {
			cp[src] = n
		}
		s.Received[dst] = cp
	}
	return s
}

func copyShuffleReport(rep types.ShuffleReport) types.ShuffleReport {
	cp := types.ShuffleReport{
		Sent:  make(map[types.WorkerID]int, len(rep.Sent)),
		Local: rep.Local,
	}
	for k, v := range rep.Sent {
		cp.Sent[k] = v
	}
	if len(rep.Failed) > 0 {
		cp.Failed = make(map[types.WorkerID]string, len(rep.Failed))
		for k, v := range rep.Failed {
			cp.Failed[k] = v
		}
	}
	return cp
}
