package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/registry"
	"DistMR/internal/types"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (c *fakeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func newTestMaster(t *testing.T, cfg Config, n int) (*Master, map[types.WorkerID]*fakeConn) {
	t.Helper()
	reg := registry.NewWorkerRegistry(logger.Discard())
	conns := make(map[types.WorkerID]*fakeConn)
	for i := 1; i <= n; i++ {
		c := &fakeConn{}
		conns[types.WorkerID(i)] = c
		reg.Register(types.WorkerID(i), types.WorkerAddress{Host: "127.0.0.1", Port: 7000 + i}, c)
	}
	return NewMaster(cfg, reg, logger.Discard()), conns
}

func TestSplitRoundRobin(t *testing.T) {
	tests := []struct {
		lines int
		n     int
	}{
		{0, 3}, {1, 3}, {9, 3}, {10, 3}, {7, 1}, {5, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("lines=%d n=%d", tt.lines, tt.n), func(t *testing.T) {
			lines := make([]string, tt.lines)
			for i := range lines {
				lines[i] = fmt.Sprintf("line-%d", i)
			}
			chunks := SplitRoundRobin(lines, tt.n)
			if len(chunks) != tt.n {
				t.Fatalf("expected %d chunks, got %d", tt.n, len(chunks))
			}

			total := 0
			for k, chunk := range chunks {
				want := tt.lines / tt.n
				if k < tt.lines%tt.n {
					want++
				}
				if len(chunk) != want {
					t.Errorf("chunk %d: expected %d lines, got %d", k, want, len(chunk))
				}
				for j, line := range chunk {
					if line != lines[k+j*tt.n] {
						t.Errorf("chunk %d[%d] = %s, want %s", k, j, line, lines[k+j*tt.n])
					}
				}
				total += len(chunk)
			}
			if total != tt.lines {
				t.Errorf("lost lines: %d of %d", total, tt.lines)
			}
		})
	}
}

func TestDistributeMapChunks_NoWorkers(t *testing.T) {
	m, _ := newTestMaster(t, Config{}, 0)
	if _, err := m.DistributeMapChunks(context.Background(), []string{"a"}); !errors.Is(err, types.ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
}

func TestDistributeMapChunks_AssignsBeforeSending(t *testing.T) {
	m, conns := newTestMaster(t, Config{}, 3)
	lines := []string{"l0", "l1", "l2", "l3", "l4"}

	ids, err := m.DistributeMapChunks(context.Background(), lines)
	if err != nil {
		t.Fatalf("DistributeMapChunks failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected ids %v", ids)
	}

	snap := m.Registry().Snapshot()
	for _, id := range ids {
		if snap.Workers[id].Status != types.WorkerMapAssigned {
			t.Errorf("worker %d status %s, want MAP_ASSIGNED", id, snap.Workers[id].Status)
		}
		msgs := conns[id].messages()
		if len(msgs) != 1 || msgs[0].Kind != protocol.KindMapTask {
			t.Fatalf("worker %d: expected one map_task, got %v", id, msgs)
		}
	}
	if got := conns[2].messages()[0].Lines; len(got) != 2 || got[0] != "l1" || got[1] != "l4" {
		t.Errorf("worker 2 got lines %v", got)
	}
}

func TestBroadcast_FailedSendMarksWorker(t *testing.T) {
	m, conns := newTestMaster(t, Config{}, 3)
	conns[2].err = errors.New("broken pipe")

	err := m.Broadcast(context.Background(), &protocol.Message{Kind: protocol.KindAbort}, []types.WorkerID{1, 2, 3})
	var berr *types.BroadcastError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BroadcastError, got %v", err)
	}
	if _, ok := berr.Failed[2]; !ok || len(berr.Failed) != 1 {
		t.Errorf("unexpected failures %v", berr.Failed)
	}
	if len(conns[1].messages()) != 1 || len(conns[3].messages()) != 1 {
		t.Error("healthy workers should still receive the broadcast")
	}
	if m.Registry().Snapshot().Workers[2].Status != types.WorkerFailed {
		t.Error("worker with failed send should be FAILED")
	}
}

func TestAwaitPhaseBarrier_EarlyDoneDoesNotAdvance(t *testing.T) {
	m, _ := newTestMaster(t, Config{PhaseTimeout: 150 * time.Millisecond, MinTick: time.Millisecond}, 2)
	reg := m.Registry()
	ids := []types.WorkerID{1, 2}

	// done before assigned is rejected
	if err := reg.SetStatus(2, types.WorkerMapDone); err == nil {
		t.Fatal("MAP_DONE from REGISTERED should be rejected")
	}
	reg.SetStatus(1, types.WorkerMapAssigned)
	reg.SetStatus(2, types.WorkerMapAssigned)
	reg.SetStatus(1, types.WorkerMapDone)

	err := m.AwaitPhaseBarrier(context.Background(), types.JobMap, ids)
	var terr *types.BarrierTimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected BarrierTimeoutError, got %v", err)
	}
	if len(terr.Workers) != 1 || terr.Workers[0] != 2 || terr.Phase != types.JobMap {
		t.Errorf("unexpected timeout error %+v", terr)
	}
	if reg.Snapshot().Workers[2].Status != types.WorkerFailed {
		t.Error("stalled worker should be demoted to FAILED")
	}
}

func TestAwaitPhaseBarrier_WakesOnUpdate(t *testing.T) {
	m, _ := newTestMaster(t, Config{MinTick: time.Millisecond, PollInterval: time.Hour}, 2)
	reg := m.Registry()
	for _, id := range []types.WorkerID{1, 2} {
		reg.SetStatus(id, types.WorkerMapAssigned)
	}

	done := make(chan error, 1)
	go func() { done <- m.AwaitPhaseBarrier(context.Background(), types.JobMap, []types.WorkerID{1, 2}) }()

	reg.SetStatus(1, types.WorkerMapDone)
	select {
	case err := <-done:
		t.Fatalf("barrier passed with a worker outstanding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	reg.SetStatus(2, types.WorkerMapDone)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("barrier failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not wake on the last status update")
	}
}

func TestAwaitPhaseBarrier_WorkerLost(t *testing.T) {
	m, conns := newTestMaster(t, Config{MinTick: time.Millisecond}, 2)
	reg := m.Registry()
	reg.SetStatus(1, types.WorkerMapAssigned)
	reg.SetStatus(2, types.WorkerMapAssigned)
	reg.Remove(2, conns[2], "connection closed")

	err := m.AwaitPhaseBarrier(context.Background(), types.JobMap, []types.WorkerID{1, 2})
	var lerr *types.WorkerLostError
	if !errors.As(err, &lerr) || lerr.WorkerID != 2 {
		t.Fatalf("expected WorkerLostError for worker 2, got %v", err)
	}
}

func shuffleDone(reg *registry.WorkerRegistry, id types.WorkerID, rep types.ShuffleReport) {
	for _, s := range []types.WorkerPhase{types.WorkerMapAssigned, types.WorkerMapDone, types.WorkerShuffleAssigned} {
		reg.SetStatus(id, s)
	}
	reg.RecordShuffle(id, rep)
	reg.SetStatus(id, types.WorkerShuffleDone)
}

func TestShuffleBarrier_WaitsForReceipts(t *testing.T) {
	m, _ := newTestMaster(t, Config{}, 2)
	reg := m.Registry()
	ids := []types.WorkerID{1, 2}

	shuffleDone(reg, 1, types.ShuffleReport{Sent: map[types.WorkerID]int{2: 4}})
	shuffleDone(reg, 2, types.ShuffleReport{Sent: map[types.WorkerID]int{1: 1}})
	reg.RecordReceipt(1, 2, 1)

	done, pending, err := barrierState(types.JobShuffle, reg.Snapshot(), ids)
	if err != nil || done {
		t.Fatalf("barrier should wait for worker 2's receipt: done=%v err=%v", done, err)
	}
	if len(pending) != 1 || pending[0] != 2 {
		t.Errorf("expected worker 2 pending, got %v", pending)
	}

	reg.RecordReceipt(2, 1, 4)
	if done, _, err := barrierState(types.JobShuffle, reg.Snapshot(), ids); !done || err != nil {
		t.Errorf("barrier should be satisfied: done=%v err=%v", done, err)
	}
}

func TestShuffleBarrier_PeerUnreachable(t *testing.T) {
	m, _ := newTestMaster(t, Config{}, 2)
	reg := m.Registry()
	shuffleDone(reg, 1, types.ShuffleReport{Failed: map[types.WorkerID]string{2: "connection refused"}})

	_, _, err := barrierState(types.JobShuffle, reg.Snapshot(), []types.WorkerID{1, 2})
	var perr *types.PeerUnreachableError
	if !errors.As(err, &perr) || perr.WorkerID != 1 {
		t.Fatalf("expected PeerUnreachableError from worker 1, got %v", err)
	}
}

func TestRun_AnomalyBlocksUntilResolved(t *testing.T) {
	m, conns := newTestMaster(t, Config{MinTick: time.Millisecond}, 2)
	m.Registry().Register(1, types.WorkerAddress{Host: "127.0.0.1", Port: 9999}, conns[1])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx, []string{"a", "b"}) }()

	select {
	case err := <-runErr:
		phase, _ := m.Phase()
		t.Fatalf("Run returned before the anomaly was resolved: phase=%s err=%v", phase, err)
	case <-time.After(200 * time.Millisecond):
	}
	if phase, _ := m.Phase(); phase != types.JobIdle {
		t.Errorf("expected IDLE while held, got %s", phase)
	}
	for id, c := range conns {
		if len(c.messages()) != 0 {
			t.Errorf("worker %d received a message while the job was held", id)
		}
	}

	if !m.Registry().Resolve(1) {
		t.Fatal("Resolve should clear the anomaly")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(conns[1].messages()) == 0 || len(conns[2].messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("map tasks were not sent after the anomaly was resolved")
		}
		time.Sleep(time.Millisecond)
	}
	if phase, _ := m.Phase(); phase != types.JobMap {
		t.Errorf("expected MAP after resolve, got %s", phase)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRun_UnresolvedAnomalyTimesOutAndAborts(t *testing.T) {
	m, conns := newTestMaster(t, Config{PhaseTimeout: 100 * time.Millisecond}, 2)
	m.Registry().Register(1, types.WorkerAddress{Host: "127.0.0.1", Port: 9999}, conns[1])

	err := m.Run(context.Background(), []string{"a"})
	var cerr *types.RegistrationConflictError
	if !errors.As(err, &cerr) || len(cerr.WorkerIDs) != 1 || cerr.WorkerIDs[0] != 1 {
		t.Fatalf("expected RegistrationConflictError for worker 1, got %v", err)
	}
	phase, halted := m.Phase()
	if phase != types.JobFailed || halted == nil {
		t.Errorf("expected FAILED with cause, got %s %v", phase, halted)
	}
	for id, c := range conns {
		msgs := c.messages()
		if len(msgs) != 1 || msgs[0].Kind != protocol.KindAbort {
			t.Errorf("worker %d should only receive abort, got %v", id, msgs)
		}
	}
}

func TestBarrierState_AnomalyIsPending(t *testing.T) {
	m, conns := newTestMaster(t, Config{}, 2)
	reg := m.Registry()
	ids := []types.WorkerID{1, 2}
	for _, id := range ids {
		reg.SetStatus(id, types.WorkerMapAssigned)
		reg.SetStatus(id, types.WorkerMapDone)
	}
	reg.Register(2, types.WorkerAddress{Host: "127.0.0.1", Port: 9998}, conns[2])

	done, pending, err := barrierState(types.JobMap, reg.Snapshot(), ids)
	if err != nil || done {
		t.Fatalf("anomaly should hold the barrier without failing it: done=%v err=%v", done, err)
	}
	if len(pending) != 1 || pending[0] != 2 {
		t.Errorf("expected worker 2 pending, got %v", pending)
	}

	reg.Resolve(2)
	if done, _, err := barrierState(types.JobMap, reg.Snapshot(), ids); !done || err != nil {
		t.Errorf("barrier should pass once resolved: done=%v err=%v", done, err)
	}
}

func TestManualGate(t *testing.T) {
	g := NewManualGate()
	if err := g.Trigger(); err != nil {
		t.Fatalf("first Trigger failed: %v", err)
	}
	if err := g.Trigger(); !errors.Is(err, ErrTriggerPending) {
		t.Errorf("second Trigger should report pending, got %v", err)
	}
	if err := g.Wait(context.Background(), types.JobMap); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait(ctx, types.JobShuffle) }()

	deadline := time.Now().Add(time.Second)
	for {
		if phase, ok := g.Pending(); ok && phase == types.JobShuffle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gate never reported a pending phase")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-waitErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
