// Package handshake implements the two mirrored finite state machines that
// authenticate a new peer link: Sender (dialer) and Receiver (acceptor),
// built atop package statefsm per spec.md §4.3.
package handshake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/distcodep7/peerlock/async"
	"github.com/distcodep7/peerlock/statefsm"
	"github.com/distcodep7/peerlock/wire"
)

// ErrUnexpectedOpcode is returned when a handshake step receives a message
// other than the opcode its state expects.
var ErrUnexpectedOpcode = errors.New("handshake: unexpected opcode")

// ErrPasswordMismatch is returned by Accept when the dialer's password does
// not match.
var ErrPasswordMismatch = errors.New("handshake: password mismatch")

// Established is what a successful handshake yields: the peer's claimed
// node id, the live connection, and an async.Service ready for use by the
// caller (peernet) without re-wrapping the socket.
type Established struct {
	PeerID byte
	Conn   net.Conn
	Svc    *async.Service
}

// senderCtx carries a Sender handshake's state across its statefsm states.
type senderCtx struct {
	ctx          context.Context
	addr         string
	myID         byte
	password     string
	timeout      time.Duration
	retryTimeout time.Duration
	maxAttempts  int

	conn   net.Conn
	svc    *async.Service
	peerID byte
}

// Dial drives the Sender handshake: Connect → SendEstablish → RecvEstablish
// → SendOk → Done. Connect retries with backoff up to maxAttempts (0 means
// unbounded), cancellable via ctx.
func Dial(ctx context.Context, addr string, myID byte, password string, timeout, retryTimeout time.Duration, maxAttempts int) (Established, error) {
	s := &senderCtx{
		ctx:          ctx,
		addr:         addr,
		myID:         myID,
		password:     password,
		timeout:      timeout,
		retryTimeout: retryTimeout,
		maxAttempts:  maxAttempts,
	}
	m := statefsm.New()
	m.Start(connectState{s: s})
	if err := m.AwaitStop(); err != nil {
		return Established{}, err
	}
	return Established{PeerID: s.peerID, Conn: s.conn, Svc: s.svc}, nil
}

type connectState struct{ s *senderCtx }

func (connectState) Name() string { return "Connect" }

func (st connectState) Run(m *statefsm.Machine) statefsm.Result {
	s := st.s
	var lastErr error
	for attempt := 0; s.maxAttempts <= 0 || attempt < s.maxAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return statefsm.Done(s.ctx.Err())
		}
		d := net.Dialer{Timeout: s.timeout}
		conn, err := d.DialContext(s.ctx, "tcp", s.addr)
		if err == nil {
			s.conn = conn
			s.svc = async.NewService(conn, s.timeout)
			return statefsm.GoTo(sendEstablishState{s: s})
		}
		lastErr = err

		select {
		case <-s.ctx.Done():
			return statefsm.Done(s.ctx.Err())
		case <-time.After(s.retryTimeout):
		}
	}
	return statefsm.Done(fmt.Errorf("handshake: dial %s: %w", s.addr, lastErr))
}

type sendEstablishState struct{ s *senderCtx }

func (sendEstablishState) Name() string { return "SendEstablish" }

func (st sendEstablishState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	s.svc.WriteMessage(wire.EncodeEstablishConnection(s.myID, s.password), func(err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: send establish: %w", err)))
			return
		}
		complete(statefsm.GoTo(recvEstablishState{s: s}))
	})
}

type recvEstablishState struct{ s *senderCtx }

func (recvEstablishState) Name() string { return "RecvEstablish" }

func (st recvEstablishState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	s.svc.ReadMessage(func(msg *wire.Message, err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: recv establish: %w", err)))
			return
		}
		if msg.Opcode != wire.OpEstablishConnection {
			complete(statefsm.Done(fmt.Errorf("%w: got %s, want EstablishConnection", ErrUnexpectedOpcode, msg.Opcode)))
			return
		}
		body, derr := wire.DecodeEstablishConnection(msg.Body)
		if derr != nil {
			complete(statefsm.Done(derr))
			return
		}
		s.peerID = body.NodeID
		complete(statefsm.GoTo(sendOkState{s: s}))
	})
}

type sendOkState struct{ s *senderCtx }

func (sendOkState) Name() string { return "SendOk" }

func (st sendOkState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	s.svc.WriteMessage(wire.EncodeOk(), func(err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: send ok: %w", err)))
			return
		}
		complete(statefsm.Done(nil))
	})
}

// receiverCtx carries a Receiver handshake's state across its statefsm
// states.
type receiverCtx struct {
	conn     net.Conn
	svc      *async.Service
	myID     byte
	password string
	timeout  time.Duration
	clientID byte
}

// Accept drives the Receiver handshake on an already-accepted socket:
// Init → AwaitEstablish → SendEstablish → RecvOk → Done.
func Accept(conn net.Conn, myID byte, password string, timeout time.Duration) (Established, error) {
	s := &receiverCtx{
		conn:     conn,
		svc:      async.NewService(conn, timeout),
		myID:     myID,
		password: password,
		timeout:  timeout,
	}
	m := statefsm.New()
	m.Start(initState{s: s})
	if err := m.AwaitStop(); err != nil {
		return Established{}, err
	}
	return Established{PeerID: s.clientID, Conn: s.conn, Svc: s.svc}, nil
}

type initState struct{ s *receiverCtx }

func (initState) Name() string { return "Init" }

func (st initState) Run(m *statefsm.Machine) statefsm.Result {
	return statefsm.GoTo(awaitEstablishState{s: st.s})
}

type awaitEstablishState struct{ s *receiverCtx }

func (awaitEstablishState) Name() string { return "AwaitEstablish" }

func (st awaitEstablishState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	s.svc.ReadMessage(func(msg *wire.Message, err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: await establish: %w", err)))
			return
		}
		if msg.Opcode != wire.OpEstablishConnection {
			complete(statefsm.Done(fmt.Errorf("%w: got %s, want EstablishConnection", ErrUnexpectedOpcode, msg.Opcode)))
			return
		}
		body, derr := wire.DecodeEstablishConnection(msg.Body)
		if derr != nil {
			complete(statefsm.Done(derr))
			return
		}
		if subtle.ConstantTimeCompare([]byte(body.Password), []byte(s.password)) != 1 {
			complete(statefsm.Done(ErrPasswordMismatch))
			return
		}
		s.clientID = body.NodeID
		complete(statefsm.GoTo(sendEstablishReceiverState{s: s}))
	})
}

type sendEstablishReceiverState struct{ s *receiverCtx }

func (sendEstablishReceiverState) Name() string { return "SendEstablish" }

func (st sendEstablishReceiverState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	// Password field empty: the receiver never sends its own secret back.
	s.svc.WriteMessage(wire.EncodeEstablishConnection(s.myID, ""), func(err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: send establish: %w", err)))
			return
		}
		complete(statefsm.GoTo(recvOkState{s: s}))
	})
}

type recvOkState struct{ s *receiverCtx }

func (recvOkState) Name() string { return "RecvOk" }

func (st recvOkState) Begin(m *statefsm.Machine, complete func(statefsm.Result)) {
	s := st.s
	s.svc.ReadMessage(func(msg *wire.Message, err error) {
		if err != nil {
			complete(statefsm.Done(fmt.Errorf("handshake: recv ok: %w", err)))
			return
		}
		if msg.Opcode != wire.OpOk {
			complete(statefsm.Done(fmt.Errorf("%w: got %s, want Ok", ErrUnexpectedOpcode, msg.Opcode)))
			return
		}
		complete(statefsm.Done(nil))
	})
}
