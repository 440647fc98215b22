// Package async drives one in-flight read and one in-flight write per
// connection on top of package wire's codec, re-stating the source
// system's poll-and-recv loop as a goroutine-per-operation task model
// (spec.md §9's "callback-heavy async style → task/continuation model").
package async

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distcodep7/peerlock/wire"
)

// ErrReadInProgress is returned to a ReadMessage callback when a previous
// read on the same Service has not yet completed.
var ErrReadInProgress = errors.New("async: read already in progress")

// ErrWriteInProgress is returned to a WriteMessage callback when a previous
// write on the same Service has not yet completed.
var ErrWriteInProgress = errors.New("async: write already in progress")

// TimeoutError is surfaced when a poll/read/write exceeds the configured
// timeout. The socket is left open; per spec.md §4.2 a timeout does not
// close the connection.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("async: %s timed out", e.Op) }

// Timeout reports true so callers can use errors.As against net.Error-style
// checks if they choose to.
func (e *TimeoutError) Timeout() bool { return true }

const readBufferSize = 32 * 1024

// Service drives framed reads and writes on a single net.Conn. The zero
// value is not usable; construct with NewService.
type Service struct {
	conn    net.Conn
	timeout time.Duration
	dec     *wire.Decoder
	scratch []byte

	readInFlight  atomic.Bool
	writeInFlight atomic.Bool

	mu      sync.Mutex
	pending []wire.Message
}

// NewService wraps conn. A zero timeout disables read/write deadlines.
func NewService(conn net.Conn, timeout time.Duration) *Service {
	return &Service{
		conn:    conn,
		timeout: timeout,
		dec:     wire.NewDecoder(),
		scratch: make([]byte, readBufferSize),
	}
}

// NewServiceWithSink wraps conn with a decoder that streams compound
// FileTransfer payloads to sink.
func NewServiceWithSink(conn net.Conn, timeout time.Duration, sink *wire.CompoundSink) *Service {
	return &Service{
		conn:    conn,
		timeout: timeout,
		dec:     wire.NewDecoderWithSink(sink),
		scratch: make([]byte, readBufferSize),
	}
}

// ReadMessage invokes cb exactly once: with the next complete message, or
// with a non-nil error on transport failure, framing error, or timeout.
// Callers must not call ReadMessage again until cb has fired.
func (s *Service) ReadMessage(cb func(*wire.Message, error)) {
	if !s.readInFlight.CompareAndSwap(false, true) {
		cb(nil, ErrReadInProgress)
		return
	}
	go s.readLoop(cb)
}

func (s *Service) readLoop(cb func(*wire.Message, error)) {
	// Clear the in-flight flag before cb runs, so cb (or work it hands off)
	// may issue the next ReadMessage.
	deliver := cb
	cb = func(msg *wire.Message, err error) {
		s.readInFlight.Store(false)
		deliver(msg, err)
	}

	if msg, ok := s.popPending(); ok {
		cb(&msg, nil)
		return
	}

	for {
		if s.timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		}
		n, err := s.conn.Read(s.scratch)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				cb(nil, &TimeoutError{Op: "read"})
				return
			}
			cb(nil, fmt.Errorf("async: read: %w", err))
			return
		}

		msgs, ferr := s.dec.Feed(s.scratch[:n])
		if ferr != nil {
			cb(nil, fmt.Errorf("async: frame: %w", ferr))
			return
		}
		if len(msgs) == 0 {
			continue
		}

		if len(msgs) > 1 {
			s.mu.Lock()
			s.pending = append(s.pending, msgs[1:]...)
			s.mu.Unlock()
		}
		cb(&msgs[0], nil)
		return
	}
}

func (s *Service) popPending() (wire.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return wire.Message{}, false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, true
}

// WriteMessage serialises msg and writes it in full, invoking cb exactly
// once with nil on success or a non-nil error on failure. Callers must not
// call WriteMessage again until cb has fired. Per spec.md §4.2, a partial
// write leaves the socket in an undefined state; callers should close it.
func (s *Service) WriteMessage(msg wire.Message, cb func(error)) {
	if !s.writeInFlight.CompareAndSwap(false, true) {
		cb(ErrWriteInProgress)
		return
	}
	go s.writeLoop(msg, cb)
}

func (s *Service) writeLoop(msg wire.Message, cb func(error)) {
	defer s.writeInFlight.Store(false)

	enc, err := wire.Encode(msg)
	if err != nil {
		cb(err)
		return
	}

	for len(enc) > 0 {
		if s.timeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		}
		n, err := s.conn.Write(enc)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				cb(&TimeoutError{Op: "write"})
				return
			}
			cb(fmt.Errorf("async: write: %w", err))
			return
		}
		enc = enc[n:]
	}
	cb(nil)
}

// Close closes the underlying connection, cancelling any in-flight poll,
// read, or write; the relevant callback observes an error.
func (s *Service) Close() error {
	return s.conn.Close()
}
