package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/registry"
	"DistMR/internal/types"
)

// Journal receives job progress so it can be replicated and inspected.
type Journal interface {
	RecordPhase(jobID string, phase types.JobPhase, detail string) error
	RecordWorker(jobID string, id types.WorkerID, status types.WorkerPhase) error
}

type Config struct {
	PhaseTimeout time.Duration // zero waits forever
	MinTick      time.Duration // lower bound between two barrier checks
	PollInterval time.Duration // re-check even without a registry change
}

func (c *Config) setDefaults() {
	if c.MinTick <= 0 {
		c.MinTick = 10 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Master drives registered workers through MAP, SHUFFLE and REDUCE
type Master struct {
	cfg      Config
	jobID    string
	registry *registry.WorkerRegistry
	gate     Gate
	journal  Journal
	logger   *logger.Logger

	mu    sync.RWMutex
	phase types.JobPhase
	ids   []types.WorkerID
	err   error
}

func NewMaster(cfg Config, reg *registry.WorkerRegistry, lg *logger.Logger) *Master {
	cfg.setDefaults()
	m := &Master{
		cfg:      cfg,
		jobID:    "job-" + uuid.New().String()[:8],
		registry: reg,
		gate:     AutoGate{},
		phase:    types.JobIdle,
		logger:   lg.Named("master"),
	}
	m.logger.Info("Master initialized: job_id=%s phase_timeout=%s", m.jobID, cfg.PhaseTimeout)
	return m
}

// SetGate replaces the default AutoGate.
func (m *Master) SetGate(g Gate) {
	m.gate = g
}

func (m *Master) SetJournal(j Journal) {
	m.journal = j
}

func (m *Master) JobID() string {
	return m.jobID
}

func (m *Master) Registry() *registry.WorkerRegistry {
	return m.registry
}

// Phase returns the current job phase and the error that halted the job, if any.
func (m *Master) Phase() (types.JobPhase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase, m.err
}

// Participants returns the workers that received map chunks.
func (m *Master) Participants() []types.WorkerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.WorkerID(nil), m.ids...)
}

func (m *Master) setPhase(phase types.JobPhase, detail string) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()

	m.logger.Info("Job phase changed: job_id=%s phase=%s", m.jobID, phase)
	if m.journal != nil {
		if err := m.journal.RecordPhase(m.jobID, phase, detail); err != nil {
			m.logger.Warn("Failed to journal phase: phase=%s err=%v", phase, err)
		}
	}
}

func (m *Master) journalWorker(id types.WorkerID, status types.WorkerPhase) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordWorker(m.jobID, id, status); err != nil {
		m.logger.Warn("Failed to journal worker status: worker_id=%d status=%s err=%v", id, status, err)
	}
}

// WaitForWorkers blocks until at least n workers are registered.
func (m *Master) WaitForWorkers(ctx context.Context, n int) error {
	for {
		changes := m.registry.Changes()
		if m.registry.Len() >= n {
			return nil
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SplitRoundRobin deals lines into n chunks: line i goes to chunk i mod n,
// keeping the original order within each chunk.
func SplitRoundRobin(lines []string, n int) []types.Chunk {
	if n <= 0 {
		return nil
	}
	chunks := make([]types.Chunk, n)
	for i := range chunks {
		chunks[i] = make(types.Chunk, 0, len(lines)/n+1)
	}
	for i, line := range lines {
		chunks[i%n] = append(chunks[i%n], line)
	}
	return chunks
}

// DistributeMapChunks splits lines over every REGISTERED worker in id order,
// marks each MAP_ASSIGNED and sends its map_task. It returns the ids that
// take part in the job.
func (m *Master) DistributeMapChunks(ctx context.Context, lines []string) ([]types.WorkerID, error) {
	snap := m.registry.Snapshot()
	var ids []types.WorkerID
	for _, id := range snap.IDs() {
		if snap.Workers[id].Status == types.WorkerRegistered {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		m.logger.Warn("No workers available for map distribution")
		return nil, types.ErrNoWorkers
	}

	chunks := SplitRoundRobin(lines, len(ids))
	byID := make(map[types.WorkerID]types.Chunk, len(ids))
	for i, id := range ids {
		byID[id] = chunks[i]
	}

	err := m.sendEach(ctx, protocol.KindMapTask, types.JobMap, ids, func(id types.WorkerID) *protocol.Message {
		return &protocol.Message{Kind: protocol.KindMapTask, WorkerID: id, JobID: m.jobID, Lines: byID[id]}
	})

	m.logger.Info("Map chunks distributed: lines=%d workers=%d", len(lines), len(ids))
	return ids, err
}

// Broadcast sends msg to every worker in ids. A failed send marks that
// worker FAILED; the remaining workers still receive the message.
func (m *Master) Broadcast(ctx context.Context, msg *protocol.Message, ids []types.WorkerID) error {
	return m.sendEach(ctx, msg.Kind, "", ids, func(types.WorkerID) *protocol.Message { return msg })
}

// sendEach sends one message per worker. When assign is a job phase, the
// worker's status moves to that phase's assigned status before the send so
// that a fast done reply always finds it there.
func (m *Master) sendEach(ctx context.Context, kind protocol.Kind, assign types.JobPhase, ids []types.WorkerID, build func(types.WorkerID) *protocol.Message) error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[types.WorkerID]error)
	)
	fail := func(id types.WorkerID, err error) {
		mu.Lock()
		failed[id] = err
		mu.Unlock()
		m.registry.MarkFailed(id, fmt.Sprintf("send %s: %v", kind, err))
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			fail(id, err)
			continue
		}
		if assign != "" {
			status := assign.Assigned()
			if err := m.registry.SetStatus(id, status); err != nil {
				fail(id, err)
				continue
			}
			m.journalWorker(id, status)
		}
		conn, err := m.registry.Sender(id)
		if err != nil {
			fail(id, err)
			continue
		}

		wg.Add(1)
		go func(id types.WorkerID, conn registry.Sender) {
			defer wg.Done()
			if err := conn.Send(build(id)); err != nil {
				m.logger.Error("Failed to send message: kind=%s worker_id=%d err=%v", kind, id, err)
				fail(id, err)
			}
		}(id, conn)
	}
	wg.Wait()

	if len(failed) > 0 {
		return &types.BroadcastError{Kind: string(kind), Failed: failed}
	}
	return nil
}

// AwaitPhaseBarrier blocks until every worker in ids reports phase done.
// It re-checks on each registry change, and on PollInterval as a fallback,
// never faster than MinTick. A worker that leaves or fails fails the
// barrier at once; if PhaseTimeout elapses the stalled workers are demoted
// to FAILED and a BarrierTimeoutError is returned.
func (m *Master) AwaitPhaseBarrier(ctx context.Context, phase types.JobPhase, ids []types.WorkerID) error {
	var deadline <-chan time.Time
	if m.cfg.PhaseTimeout > 0 {
		timer := time.NewTimer(m.cfg.PhaseTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	var last time.Time
	for {
		if wait := m.cfg.MinTick - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-deadline:
				return m.barrierTimeout(phase, ids)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		last = time.Now()

		// take the channel before the snapshot so no update slips between them
		changes := m.registry.Changes()
		done, _, err := barrierState(phase, m.registry.Snapshot(), ids)
		if err != nil {
			return err
		}
		if done {
			m.logger.Info("Barrier satisfied: phase=%s workers=%d", phase, len(ids))
			for _, id := range ids {
				m.journalWorker(id, phase.Done())
			}
			return nil
		}

		select {
		case <-changes:
		case <-poll.C:
		case <-deadline:
			return m.barrierTimeout(phase, ids)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Master) barrierTimeout(phase types.JobPhase, ids []types.WorkerID) error {
	done, stalled, err := barrierState(phase, m.registry.Snapshot(), ids)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	for _, id := range stalled {
		m.registry.MarkFailed(id, fmt.Sprintf("no %s within %s", phase.Done(), m.cfg.PhaseTimeout))
	}
	m.logger.Error("Barrier timed out: phase=%s stalled_workers=%v", phase, stalled)
	return &types.BarrierTimeoutError{Phase: phase, Timeout: m.cfg.PhaseTimeout, Workers: stalled}
}

// barrierState evaluates the barrier of phase over snap. It returns the
// workers still holding it back, or an error when it can never be satisfied.
func barrierState(phase types.JobPhase, snap registry.Snapshot, ids []types.WorkerID) (bool, []types.WorkerID, error) {
	var pending []types.WorkerID
	for _, id := range ids {
		// held until an operator resolves the re-registration
		if _, conflict := snap.Anomalies[id]; conflict {
			pending = append(pending, id)
			continue
		}
		if reason, gone := snap.Departed[id]; gone {
			return false, nil, &types.WorkerLostError{WorkerID: id, Phase: phase, Err: errors.New(reason)}
		}
		w, ok := snap.Workers[id]
		if !ok {
			return false, nil, &types.WorkerLostError{WorkerID: id, Phase: phase, Err: errors.New("not registered")}
		}
		if w.Status == types.WorkerFailed {
			return false, nil, &types.WorkerLostError{WorkerID: id, Phase: phase, Err: errors.New(w.Reason)}
		}
		if phase == types.JobShuffle {
			if rep, ok := snap.Shuffle[id]; ok && len(rep.Failed) > 0 {
				return false, nil, &types.PeerUnreachableError{WorkerID: id, Failed: rep.Failed}
			}
		}
		if w.Status != phase.Done() {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		return false, pending, nil
	}
	if phase == types.JobShuffle {
		if missing := missingReceipts(snap, ids); len(missing) > 0 {
			return false, missing, nil
		}
	}
	return true, nil, nil
}

// missingReceipts lists destinations that have not yet acknowledged every
// pair a sender reports having sent them.
func missingReceipts(snap registry.Snapshot, ids []types.WorkerID) []types.WorkerID {
	seen := make(map[types.WorkerID]bool)
	var missing []types.WorkerID
	for _, src := range ids {
		for dst, n := range snap.Shuffle[src].Sent {
			if dst == src || n == 0 || seen[dst] {
				continue
			}
			if snap.Received[dst][src] != n {
				seen[dst] = true
				missing = append(missing, dst)
			}
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func anomalyIDs(snap registry.Snapshot) []types.WorkerID {
	ids := make([]types.WorkerID, 0, len(snap.Anomalies))
	for id := range snap.Anomalies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// awaitAnomalies blocks phase advance while any registration anomaly is
// unresolved. It gives up with a RegistrationConflictError after PhaseTimeout.
func (m *Master) awaitAnomalies(ctx context.Context, next types.JobPhase) error {
	var deadline <-chan time.Time
	if m.cfg.PhaseTimeout > 0 {
		timer := time.NewTimer(m.cfg.PhaseTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	logged := false
	for {
		changes := m.registry.Changes()
		snap := m.registry.Snapshot()
		if len(snap.Anomalies) == 0 {
			if logged {
				m.logger.Info("Registration anomalies resolved: next_phase=%s", next)
			}
			return nil
		}
		if !logged {
			for _, id := range anomalyIDs(snap) {
				m.logger.Warn("Phase held by unresolved registration anomaly: next_phase=%s worker_id=%d reason=%s", next, id, snap.Anomalies[id])
			}
			logged = true
		}

		select {
		case <-changes:
		case <-deadline:
			return &types.RegistrationConflictError{WorkerIDs: anomalyIDs(m.registry.Snapshot())}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Master) peers(ids []types.WorkerID) ([]types.PeerInfo, error) {
	snap := m.registry.Snapshot()
	peers := make([]types.PeerInfo, 0, len(ids))
	for _, id := range ids {
		w, ok := snap.Workers[id]
		if !ok {
			return nil, &types.WorkerLostError{WorkerID: id, Phase: types.JobShuffle, Err: errors.New("not registered")}
		}
		peers = append(peers, types.PeerInfo{ID: id, Address: w.Address})
	}
	return peers, nil
}

func (m *Master) startPhase(ctx context.Context, phase types.JobPhase, lines []string) error {
	switch phase {
	case types.JobMap:
		ids, err := m.DistributeMapChunks(ctx, lines)
		m.mu.Lock()
		m.ids = ids
		m.mu.Unlock()
		return err

	case types.JobShuffle:
		ids := m.Participants()
		peers, err := m.peers(ids)
		if err != nil {
			return err
		}
		return m.sendEach(ctx, protocol.KindStartShuffle, phase, ids, func(id types.WorkerID) *protocol.Message {
			return &protocol.Message{Kind: protocol.KindStartShuffle, WorkerID: id, JobID: m.jobID, Workers: peers}
		})

	case types.JobReduce:
		ids := m.Participants()
		return m.sendEach(ctx, protocol.KindStartReduce, phase, ids, func(id types.WorkerID) *protocol.Message {
			return &protocol.Message{Kind: protocol.KindStartReduce, WorkerID: id, JobID: m.jobID}
		})
	}
	return fmt.Errorf("phase %s cannot be started", phase)
}

// Run executes the job over lines. Each phase waits on the gate, starts,
// then waits on its barrier. Any error halts the job: the phase becomes
// FAILED and every worker is told to abort.
func (m *Master) Run(ctx context.Context, lines []string) (err error) {
	defer func() {
		if err != nil {
			m.halt(err)
		}
	}()

	for _, phase := range []types.JobPhase{types.JobMap, types.JobShuffle, types.JobReduce} {
		if err := m.gate.Wait(ctx, phase); err != nil {
			return err
		}
		if err := m.awaitAnomalies(ctx, phase); err != nil {
			return err
		}

		m.setPhase(phase, "")
		start := time.Now()
		if err := m.startPhase(ctx, phase, lines); err != nil {
			return err
		}
		if err := m.AwaitPhaseBarrier(ctx, phase, m.Participants()); err != nil {
			return err
		}
		m.logger.Info("Phase complete: phase=%s duration=%s", phase, time.Since(start).Round(time.Millisecond))
	}

	m.setPhase(types.JobComplete, "")
	return nil
}

func (m *Master) halt(cause error) {
	m.mu.Lock()
	m.err = cause
	m.mu.Unlock()
	m.setPhase(types.JobFailed, cause.Error())
	m.logger.Error("Job halted: job_id=%s err=%v", m.jobID, cause)

	ids := m.registry.Snapshot().IDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	abort := &protocol.Message{Kind: protocol.KindAbort, JobID: m.jobID, Reason: cause.Error()}
	if err := m.Broadcast(ctx, abort, ids); err != nil {
		m.logger.Warn("Abort not delivered everywhere: %v", err)
	}
}
