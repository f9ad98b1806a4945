// Package worker runs one map/shuffle/reduce participant: it registers with
// the coordinator, executes whatever phase it is told to, and exchanges
// partitions directly with its peers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/protocol"
	"DistMR/internal/shuffle"
	"DistMR/internal/store"
	"DistMR/internal/types"
)

// AbortError is returned by Run when the coordinator halts the job
type AbortError struct {
	JobID  string
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("job %s aborted by coordinator: %s", e.JobID, e.Reason)
}

type Config struct {
	ID          types.WorkerID
	ListenAddr  string // peer listener; port 0 picks a free one
	Coordinator string
	Shuffle     shuffle.Config
	DialTimeout time.Duration
}

// Worker is a single participant in a job
type Worker struct {
	cfg      Config
	executor *mapreduce.Executor
	store    *store.Store
	exchange *shuffle.Exchange
	logger   *logger.Logger

	control  *protocol.Conn
	jobID    string
	finished bool
	output   string
}

func New(cfg Config, job mapreduce.Job, st *store.Store, lg *logger.Logger) *Worker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	cfg.Shuffle.Self = cfg.ID
	lg = lg.Named(fmt.Sprintf("worker-%d", cfg.ID))
	return &Worker{
		cfg:      cfg,
		executor: mapreduce.NewExecutor(job, lg),
		store:    st,
		exchange: shuffle.NewExchange(cfg.Shuffle, shuffle.NewInbox(), lg),
		logger:   lg,
	}
}

// Exchange exposes the shuffle side, mainly so callers can swap its dialer.
func (w *Worker) Exchange() *shuffle.Exchange {
	return w.exchange
}

func (w *Worker) JobID() string {
	return w.jobID
}

// OutputPath is the reduce output file, empty until reduce has run.
func (w *Worker) OutputPath() string {
	return w.output
}

// Start opens the peer listener, connects to the coordinator and registers.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.exchange.Listen(w.cfg.ListenAddr); err != nil {
		return err
	}
	addr, err := types.ParseAddress(w.exchange.Addr().String())
	if err != nil {
		return err
	}
	// advertise the configured host rather than the wildcard bind address
	if host, _, err := net.SplitHostPort(w.cfg.ListenAddr); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		addr.Host = host
	}

	d := net.Dialer{Timeout: w.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", w.cfg.Coordinator)
	if err != nil {
		w.exchange.Close()
		return fmt.Errorf("failed to connect to coordinator %s: %w", w.cfg.Coordinator, err)
	}
	w.control = protocol.NewConn(raw)

	reg := &protocol.Message{Kind: protocol.KindRegister, WorkerID: w.cfg.ID, Address: &addr}
	if err := w.control.Send(reg); err != nil {
		w.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	w.control.SetReadDeadline(time.Now().Add(w.cfg.DialTimeout))
	ack, err := w.control.Receive()
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to read register_ack: %w", err)
	}
	if ack.Kind != protocol.KindRegisterAck {
		w.Close()
		return fmt.Errorf("expected register_ack, got %s", ack.Kind)
	}
	w.control.SetReadDeadline(time.Time{})
	w.jobID = ack.JobID

	w.exchange.OnReceive(w.reportReceipt)
	w.logger.Info("Worker registered: worker_id=%d address=%s job_id=%s", w.cfg.ID, addr, w.jobID)
	return nil
}

// reportReceipt tells the coordinator a peer partition has been merged. It
// runs on shuffle listener goroutines, concurrently with the control loop.
func (w *Worker) reportReceipt(src types.WorkerID, pairs int) {
	msg := &protocol.Message{Kind: protocol.KindShuffleReceived, WorkerID: w.cfg.ID, JobID: w.jobID, From: src, Count: pairs}
	if err := w.control.Send(msg); err != nil {
		w.logger.Error("Failed to report shuffle receipt: from=%d err=%v", src, err)
	}
}

// Run handles control messages until the coordinator closes the connection
// or aborts the job. A close after reduce has finished is a normal exit.
func (w *Worker) Run(ctx context.Context) error {
	if w.control == nil {
		return errors.New("worker not started")
	}
	stop := context.AfterFunc(ctx, func() { w.control.Close() })
	defer stop()

	for {
		msg, err := w.control.Receive()
		if err != nil {
			if w.finished {
				w.logger.Info("Coordinator closed connection after reduce")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return errors.New("coordinator closed connection before the job finished")
			}
			return fmt.Errorf("failed to read from coordinator: %w", err)
		}

		if err := w.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindMapTask:
		return w.runMap(msg.Lines)
	case protocol.KindStartShuffle:
		return w.runShuffle(ctx, msg.Workers)
	case protocol.KindStartReduce:
		return w.runReduce()
	case protocol.KindAbort:
		w.logger.Warn("Job aborted: job_id=%s reason=%s", msg.JobID, msg.Reason)
		return &AbortError{JobID: msg.JobID, Reason: msg.Reason}
	default:
		w.logger.Warn("Ignoring unexpected message: kind=%s", msg.Kind)
		return nil
	}
}

func (w *Worker) runMap(lines []string) error {
	w.logger.Info("Map task received: lines=%d", len(lines))
	kvs, rep := w.executor.RunMap(lines)
	if err := w.store.SaveIntermediate(w.cfg.ID, kvs); err != nil {
		return err
	}
	return w.control.Send(&protocol.Message{Kind: protocol.KindMapDone, WorkerID: w.cfg.ID, JobID: w.jobID, Report: &rep})
}

func (w *Worker) runShuffle(ctx context.Context, peers []types.PeerInfo) error {
	w.logger.Info("Shuffle started: peers=%d", len(peers))
	kvs, err := w.store.LoadIntermediate(w.cfg.ID)
	if err != nil {
		return err
	}
	report := w.exchange.Send(ctx, kvs, peers)
	return w.control.Send(&protocol.Message{Kind: protocol.KindShuffleDone, WorkerID: w.cfg.ID, JobID: w.jobID, Shuffle: &report})
}

func (w *Worker) runReduce() error {
	groups := w.exchange.Inbox().Groups()
	w.logger.Info("Reduce started: keys=%d", len(groups))
	records, rep := w.executor.RunReduce(groups)
	path, err := w.store.SaveOutput(w.cfg.ID, records)
	if err != nil {
		return err
	}
	w.output = path
	w.finished = true
	w.logger.Info("Reduce output written: path=%s records=%d", path, len(records))
	return w.control.Send(&protocol.Message{Kind: protocol.KindReduceDone, WorkerID: w.cfg.ID, JobID: w.jobID, Report: &rep})
}

func (w *Worker) Close() error {
	var errs []error
	if w.control != nil {
		errs = append(errs, w.control.Close())
	}
	errs = append(errs, w.exchange.Close())
	return errors.Join(errs...)
}
