package coordinator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

// registerTimeout bounds how long a new connection may take to register.
const registerTimeout = 30 * time.Second

// Server accepts worker control connections and feeds their messages into
// the registry. Handlers only read, apart from register_ack; the Master does
// all the other writing.
type Server struct {
	master       *Master
	nodes        []types.WorkerAddress
	maxFrameSize int
	writeTimeout time.Duration
	logger       *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(m *Master, lg *logger.Logger) *Server {
	return &Server{
		master:       m,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		writeTimeout: 30 * time.Second,
		logger:       lg.Named("server"),
		conns:        make(map[net.Conn]struct{}),
	}
}

func (s *Server) SetMaxFrameSize(n int) {
	s.maxFrameSize = n
}

// SetWorkerNodes restricts registration to ids 1..len(nodes). Worker i is
// expected to advertise nodes[i-1]; a different address is accepted with a
// warning since workers may sit behind NAT or bind an ephemeral port.
func (s *Server) SetWorkerNodes(nodes []types.WorkerAddress) {
	s.nodes = append([]types.WorkerAddress(nil), nodes...)
}

// Listen binds addr and serves connections in the background.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("Coordinator listening: addr=%s job_id=%s", l.Addr(), s.master.JobID())
	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *Server) handle(raw net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
		raw.Close()
	}()

	conn := protocol.NewConn(raw)
	conn.SetMaxFrameSize(s.maxFrameSize)
	conn.SetWriteTimeout(s.writeTimeout)

	id, ok := s.register(conn)
	if !ok {
		return
	}

	reg := s.master.Registry()
	for {
		msg, err := conn.Receive()
		if err == io.EOF {
			reg.Remove(id, conn, "connection closed")
			return
		}
		if err != nil {
			phase, _ := s.master.Phase()
			perr := &types.ProtocolError{WorkerID: id, Phase: phase, Err: err}
			// Remove only succeeds while this conn still owns the id, so a
			// stale connection closed by a re-registration is a no-op
			if reg.Remove(id, conn, perr.Error()) {
				s.logger.Error("%v", perr)
			}
			return
		}
		s.dispatch(id, msg)
	}
}

// register expects a register frame first and answers with register_ack.
func (s *Server) register(conn *protocol.Conn) (types.WorkerID, bool) {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := conn.Receive()
	if err != nil {
		if err != io.EOF {
			s.logger.Warn("Dropping connection before registration: remote=%s err=%v", conn.RemoteAddr(), err)
		}
		return 0, false
	}
	if msg.Kind != protocol.KindRegister || msg.Address == nil || msg.WorkerID <= 0 {
		s.logger.Warn("Expected register as first message: remote=%s kind=%s worker_id=%d", conn.RemoteAddr(), msg.Kind, msg.WorkerID)
		return 0, false
	}
	id := msg.WorkerID
	if len(s.nodes) > 0 {
		if int(id) > len(s.nodes) {
			s.logger.Warn("Rejecting registration: worker_id=%d outside configured 1..%d remote=%s", id, len(s.nodes), conn.RemoteAddr())
			return 0, false
		}
		if want := s.nodes[id-1]; want != *msg.Address {
			s.logger.Warn("Worker advertises unconfigured address: worker_id=%d advertised=%s configured=%s", id, msg.Address, want)
		}
	}
	conn.SetReadDeadline(time.Time{})

	// the ack is the one write a handler makes. It goes out before Register
	// so it always precedes the Master's first write to this connection.
	ack := &protocol.Message{Kind: protocol.KindRegisterAck, WorkerID: id, JobID: s.master.JobID()}
	if err := conn.Send(ack); err != nil {
		s.logger.Warn("Failed to acknowledge registration: worker_id=%d err=%v", id, err)
		return 0, false
	}
	s.master.Registry().Register(id, *msg.Address, conn)
	return id, true
}

func (s *Server) dispatch(id types.WorkerID, msg *protocol.Message) {
	reg := s.master.Registry()

	var status types.WorkerPhase
	switch msg.Kind {
	case protocol.KindMapDone:
		status = types.WorkerMapDone
	case protocol.KindShuffleDone:
		status = types.WorkerShuffleDone
		// ledger before status so the barrier never sees SHUFFLE_DONE without it
		if msg.Shuffle != nil {
			reg.RecordShuffle(id, *msg.Shuffle)
		} else {
			reg.RecordShuffle(id, types.ShuffleReport{})
		}
	case protocol.KindReduceDone:
		status = types.WorkerReduceDone
	case protocol.KindShuffleReceived:
		reg.RecordReceipt(id, msg.From, msg.Count)
		s.logger.Debug("Shuffle receipt: dst=%d src=%d pairs=%d", id, msg.From, msg.Count)
		return
	default:
		s.logger.Warn("Unexpected message from worker: worker_id=%d kind=%s", id, msg.Kind)
		return
	}

	if msg.Report != nil {
		reg.RecordReport(id, status, *msg.Report)
	}
	if err := reg.SetStatus(id, status); err != nil {
		s.logger.Warn("Rejected status update: %v", err)
		return
	}
	s.logger.Info("Worker status updated: worker_id=%d status=%s", id, status)
}

// Close stops accepting, closes every worker connection and waits for the
// handlers to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	return err
}
