package peernet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/distcodep7/peerlock/handshake"
	"github.com/distcodep7/peerlock/shutdown"
	"github.com/distcodep7/peerlock/tracelog"
	"go.uber.org/zap"
)

// Acceptor listens on the configured port and, for each accepted socket
// whose remote IP is in the awaited set, spawns a Receiver handshake and
// hands the link to Manager. Per spec.md §4.4, the awaited set is a
// multiset (host -> count) to tolerate multiple peers behind one host,
// populated as the Connector begins dialling each peer.
type Acceptor struct {
	selfID   byte
	password string
	timeout  time.Duration
	manager  *Manager
	logger   *tracelog.Logger

	mu      sync.Mutex
	awaited map[string]int
}

// NewAcceptor builds an Acceptor bound to manager.
func NewAcceptor(selfID byte, password string, timeout time.Duration, manager *Manager, logger *tracelog.Logger) *Acceptor {
	return &Acceptor{
		selfID:   selfID,
		password: password,
		timeout:  timeout,
		manager:  manager,
		logger:   logger,
		awaited:  make(map[string]int),
	}
}

// Await registers loc's host as an awaited remote.
func (a *Acceptor) Await(loc Location) {
	a.mu.Lock()
	a.awaited[loc.Host]++
	a.mu.Unlock()
}

func (a *Acceptor) isAwaited(host string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.awaited[host] > 0
}

// Serve accepts connections on ln until ln is closed or token fires, and
// returns nil on a clean shutdown-triggered close.
func (a *Acceptor) Serve(ln net.Listener, token *shutdown.Token) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-token.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-token.Done():
				return nil
			default:
			}
			if a.logger != nil {
				a.logger.Error("acceptor: accept failed", zap.Error(err))
			}
			return fmt.Errorf("peernet: accept: %w", err)
		}
		go a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil || !a.isAwaited(host) {
		if a.logger != nil {
			a.logger.Warn("acceptor: dropping connection from unawaited remote", zap.String("remote", conn.RemoteAddr().String()))
		}
		_ = conn.Close()
		return
	}

	// Timeouts are disabled on accepted sockets to accommodate slow peers
	// (spec.md §4.4); a zero timeout tells handshake.Accept not to set
	// read/write deadlines. The async.Service in est keeps that zero
	// timeout after the handshake, so the inbound link the manager hands
	// out has no read/write deadline; a.timeout is not applied to it.
	est, err := handshake.Accept(conn, a.selfID, a.password, 0)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("acceptor: handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		}
		_ = conn.Close()
		return
	}

	if a.logger != nil {
		a.logger.Info("acceptor: peer accepted", zap.Uint8("peer_id", est.PeerID))
	}
	a.manager.HandleServerConnection(est)
}
