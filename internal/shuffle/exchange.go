// Package shuffle moves key-partitioned pairs directly between workers.
package shuffle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

// Dialer opens outbound peer connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Self         types.WorkerID
	Attempts     int           // per partition, including the first try
	Backoff      time.Duration // doubled after every failed attempt
	Timeout      time.Duration // IO deadline of a single transfer
	MaxFrameSize int
}

func (c *Config) setDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
}

// Exchange is one worker's side of the all-to-all shuffle: a listener that
// accepts inbound partitions and a sender that pushes outbound ones.
type Exchange struct {
	cfg       Config
	inbox     *Inbox
	dialer    Dialer
	onReceive func(src types.WorkerID, pairs int)
	logger    *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

func NewExchange(cfg Config, inbox *Inbox, lg *logger.Logger) *Exchange {
	cfg.setDefaults()
	return &Exchange{
		cfg:    cfg,
		inbox:  inbox,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		logger: lg.Named(fmt.Sprintf("shuffle-%d", cfg.Self)),
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetDialer replaces the outbound dialer.
func (x *Exchange) SetDialer(d Dialer) {
	x.dialer = d
}

// OnReceive registers a callback fired after each inbound transfer is merged.
func (x *Exchange) OnReceive(fn func(src types.WorkerID, pairs int)) {
	x.onReceive = fn
}

func (x *Exchange) Inbox() *Inbox {
	return x.inbox
}

// Listen binds addr and starts the accept loop in the background.
func (x *Exchange) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for peers on %s: %w", addr, err)
	}
	x.mu.Lock()
	x.listener = l
	x.mu.Unlock()

	x.logger.Info("Listening for peer transfers: addr=%s", l.Addr())
	x.wg.Add(1)
	go x.acceptLoop(l)
	return nil
}

func (x *Exchange) Addr() net.Addr {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.listener == nil {
		return nil
	}
	return x.listener.Addr()
}

func (x *Exchange) acceptLoop(l net.Listener) {
	defer x.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			x.logger.Warn("Accept failed: %v", err)
			continue
		}

		x.mu.Lock()
		if x.closed {
			x.mu.Unlock()
			conn.Close()
			return
		}
		x.conns[conn] = struct{}{}
		x.wg.Add(1)
		x.mu.Unlock()

		go x.handle(conn)
	}
}

// handle reads payload frames until the peer half-closes, merging each one
// and acknowledging it.
func (x *Exchange) handle(raw net.Conn) {
	defer x.wg.Done()
	defer func() {
		x.mu.Lock()
		delete(x.conns, raw)
		x.mu.Unlock()
		raw.Close()
	}()

	conn := protocol.NewConn(raw)
	conn.SetMaxFrameSize(x.cfg.MaxFrameSize)
	conn.SetWriteTimeout(x.cfg.Timeout)

	for {
		conn.SetReadDeadline(time.Now().Add(x.cfg.Timeout))
		msg, err := conn.Receive()
		if err == io.EOF {
			return
		}
		if err != nil {
			x.logger.Warn("Dropping peer connection: remote=%s err=%v", conn.RemoteAddr(), err)
			return
		}
		if msg.Kind != protocol.KindShufflePayload {
			x.logger.Warn("Unexpected message on shuffle listener: kind=%s remote=%s", msg.Kind, conn.RemoteAddr())
			return
		}

		merged := x.inbox.Merge(msg.From, msg.TransferID, msg.Pairs)
		if merged {
			x.logger.Info("Received partition: from=%d pairs=%d", msg.From, len(msg.Pairs))
			if x.onReceive != nil {
				x.onReceive(msg.From, len(msg.Pairs))
			}
		} else {
			x.logger.Warn("Duplicate transfer ignored: from=%d transfer_id=%s", msg.From, msg.TransferID)
		}

		ack := &protocol.Message{
			Kind:       protocol.KindShuffleAck,
			WorkerID:   x.cfg.Self,
			TransferID: msg.TransferID,
			Count:      len(msg.Pairs),
		}
		if err := conn.Send(ack); err != nil {
			x.logger.Warn("Failed to ack transfer: from=%d err=%v", msg.From, err)
			return
		}
	}
}

// Send partitions kvs over peers. The local partition is merged straight
// into the inbox; every other non-empty partition is pushed on its own
// connection, concurrently. Failures after all retries land in the report.
func (x *Exchange) Send(ctx context.Context, kvs []types.KeyValue, peers []types.PeerInfo) types.ShuffleReport {
	report := types.ShuffleReport{Sent: make(map[types.WorkerID]int)}
	parts := mapreduce.Partition(kvs, peers)

	if local, ok := parts[x.cfg.Self]; ok {
		x.inbox.MergeLocal(local)
		report.Local = len(local)
		delete(parts, x.cfg.Self)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, peer := range peers {
		part, ok := parts[peer.ID]
		if !ok || len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(peer types.PeerInfo, part []types.KeyValue) {
			defer wg.Done()
			err := x.sendPartition(ctx, peer, part)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if report.Failed == nil {
					report.Failed = make(map[types.WorkerID]string)
				}
				report.Failed[peer.ID] = err.Error()
				return
			}
			report.Sent[peer.ID] = len(part)
		}(peer, part)
	}
	wg.Wait()

	x.logger.Info("Shuffle send finished: local=%d peers_sent=%d peers_failed=%d", report.Local, len(report.Sent), len(report.Failed))
	return report
}

// sendPartition retries a transfer with exponential backoff. Every attempt
// reuses one transfer id so the receiver can drop duplicates.
func (x *Exchange) sendPartition(ctx context.Context, peer types.PeerInfo, kvs []types.KeyValue) error {
	transferID := uuid.New().String()
	backoff := x.cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= x.cfg.Attempts; attempt++ {
		lastErr = x.transfer(ctx, peer, transferID, kvs)
		if lastErr == nil {
			if attempt > 1 {
				x.logger.Info("Partition delivered after retry: to=%d attempt=%d", peer.ID, attempt)
			}
			return nil
		}

		x.logger.Warn("Partition transfer failed: to=%d address=%s attempt=%d/%d err=%v",
			peer.ID, peer.Address, attempt, x.cfg.Attempts, lastErr)
		if attempt == x.cfg.Attempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("peer %d unreachable after %d attempts: %w", peer.ID, x.cfg.Attempts, lastErr)
}

func (x *Exchange) transfer(ctx context.Context, peer types.PeerInfo, transferID string, kvs []types.KeyValue) error {
	raw, err := x.dialer.DialContext(ctx, "tcp", peer.Address.String())
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer raw.Close()

	conn := protocol.NewConn(raw)
	conn.SetWriteTimeout(x.cfg.Timeout)

	payload := &protocol.Message{
		Kind:       protocol.KindShufflePayload,
		WorkerID:   x.cfg.Self,
		From:       x.cfg.Self,
		TransferID: transferID,
		Pairs:      kvs,
	}
	if err := conn.Send(payload); err != nil {
		return err
	}
	conn.CloseWrite()

	conn.SetReadDeadline(time.Now().Add(x.cfg.Timeout))
	ack, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("failed to read ack: %w", err)
	}
	if ack.Kind != protocol.KindShuffleAck || ack.TransferID != transferID {
		return fmt.Errorf("unexpected reply kind=%s transfer_id=%s", ack.Kind, ack.TransferID)
	}
	return nil
}

// Close stops the listener, tears down inbound connections and waits for
// their handlers.
func (x *Exchange) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	l := x.listener
	for c := range x.conns {
		c.Close()
	}
	x.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	x.wg.Wait()
	return err
}
