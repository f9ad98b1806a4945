// Package protocol frames control and shuffle messages over stream connections.
//
// A frame is a 4-byte big-endian payload length followed by a JSON envelope
// whose "kind" field tags the schema of the rest of the record.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"DistMR/internal/types"
)

type Kind string

const (
	KindRegister        Kind = "register"
	KindRegisterAck     Kind = "register_ack"
	KindMapTask         Kind = "map_task"
	KindMapDone         Kind = "map_done"
	KindStartShuffle    Kind = "start_shuffle"
	KindShuffleDone     Kind = "shuffle_done"
	KindShuffleReceived Kind = "shuffle_received"
	KindStartReduce     Kind = "start_reduce"
	KindReduceDone      Kind = "reduce_done"
	KindShufflePayload  Kind = "shuffle_payload"
	KindShuffleAck      Kind = "shuffle_ack"
	KindAbort           Kind = "abort"
)

var knownKinds = map[Kind]bool{
	KindRegister:        true,
	KindRegisterAck:     true,
	KindMapTask:         true,
	KindMapDone:         true,
	KindStartShuffle:    true,
	KindShuffleDone:     true,
	KindShuffleReceived: true,
	KindStartReduce:     true,
	KindReduceDone:      true,
	KindShufflePayload:  true,
	KindShuffleAck:      true,
	KindAbort:           true,
}

const headerSize = 4

// DefaultMaxFrameSize bounds a single frame payload
const DefaultMaxFrameSize = 64 << 20

var (
	ErrTruncated     = errors.New("truncated frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// DecodeError wraps any failure to turn bytes into a Message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Message is the envelope for every kind. Fields not used by a kind stay empty.
type Message struct {
	Kind     Kind                 `json:"kind"`
	WorkerID types.WorkerID       `json:"worker_id,omitempty"`
	JobID    string               `json:"job_id,omitempty"`
	Address  *types.WorkerAddress `json:"address,omitempty"`
	Lines    []string             `json:"lines,omitempty"`
	Workers  []types.PeerInfo     `json:"workers,omitempty"`
	Pairs    []types.KeyValue     `json:"pairs,omitempty"`
	Report   *types.PhaseReport   `json:"report,omitempty"`
	Shuffle  *types.ShuffleReport `json:"shuffle,omitempty"`

	// shuffle transfer bookkeeping
	TransferID string         `json:"transfer_id,omitempty"`
	From       types.WorkerID `json:"from,omitempty"`
	Count      int            `json:"count,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Encode returns the self-delimiting frame for msg.
func Encode(msg *Message) ([]byte, error) {
	if !knownKinds[msg.Kind] {
		return nil, fmt.Errorf("cannot encode unknown kind %q", msg.Kind)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Kind, err)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode reads exactly one frame from r using DefaultMaxFrameSize.
func Decode(r io.Reader) (*Message, error) {
	return DecodeLimit(r, DefaultMaxFrameSize)
}

// DecodeLimit reads exactly one frame from r. It returns io.EOF only when r
// ends cleanly on a frame boundary.
func DecodeLimit(r io.Reader, max int) (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &DecodeError{Err: ErrTruncated}
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, &DecodeError{Err: ErrEmptyFrame}
	}
	if int64(size) > int64(max) {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, max)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &DecodeError{Err: ErrTruncated}
		}
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("invalid payload: %w", err)}
	}
	if !knownKinds[msg.Kind] {
		return nil, &DecodeError{Err: fmt.Errorf("unknown message kind %q", msg.Kind)}
	}
	return &msg, nil
}

// Conn is a framed connection. Sends are serialized so several goroutines may
// share one Conn; Receive must be called from a single reader.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	max    int

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
		max:    DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize changes the limit applied by Receive.
func (c *Conn) SetMaxFrameSize(n int) {
	if n > 0 {
		c.max = n
	}
}

// SetWriteTimeout bounds each Send; zero disables the deadline.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

func (c *Conn) Send(msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *Conn) Receive() (*Message, error) {
	return DecodeLimit(c.reader, c.max)
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// CloseWrite half-closes TCP connections so the peer reads a clean EOF.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
