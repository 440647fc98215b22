// Package peernet establishes and maintains the bidirectional mesh of
// authenticated TCP connections between client nodes (spec.md §4.4/§4.5),
// grounded primarily on other_examples/satishbabariya-krakenfs__engine.go's
// Engine.peers map[string]*Peer + peerMutex + listenLoop/discoveryLoop
// split (dial loop vs accept loop) — generalized from a flat peer map into
// the spec's owned PeerLink{In, Out} pair and five-state manager graph —
// and on dsnet/controller's senders-registry "look up a peer, act on it"
// idiom for the per-peer assembly table.
package peernet

import (
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/distcodep7/peerlock/async"
	"github.com/distcodep7/peerlock/handshake"
	"github.com/distcodep7/peerlock/tracelog"
	"go.uber.org/zap"
)

// State is one of the peer network manager's states (spec.md §4.5).
type State int

const (
	StateInitializing State = iota
	StateConnected
	StateRecovering
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateConnected:
		return "Connected"
	case StateRecovering:
		return "Recovering"
	case StateBroken:
		return "Broken"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrClosed is the error handed to pending callbacks when the manager is
// closed before the connected snapshot ever fired.
var ErrClosed = errors.New("peernet: manager closed")

// PeerLink is the ordered pair of connections to one peer, both required
// to be present (and Connected) before the peer counts toward the network
// snapshot. The manager owns the underlying sockets; holders of a PeerLink
// reference must not close them directly — call Manager.Close instead.
type PeerLink struct {
	Location Location
	ID       byte
	In       *async.Service
	Out      *async.Service
}

// ConnectedCallback receives the snapshot once the manager reaches
// Connected, or (nil, err) if the manager transitions to Broken or Closed
// before that happens. It fires exactly once.
type ConnectedCallback func(snapshot []*PeerLink, err error)

// RecoveredCallback is queued by callers interested in a later recovery
// attempt; since this version treats the first hard error as terminal
// (spec.md §9's recovery Open Question), every queued callback instead
// fires once, with the terminal error, when the manager breaks or closes.
type RecoveredCallback func(err error)

type assembly struct {
	loc     Location
	hasLoc  bool
	in      *async.Service
	out     *async.Service
	inConn  net.Conn
	outConn net.Conn
}

// Manager aggregates ClientConnection (outbound) and ServerConnection
// (inbound) events into per-peer PeerLinks and tracks the state graph of
// spec.md §4.5.
type Manager struct {
	mu            sync.Mutex
	expectedPeers int
	assemblies    map[byte]*assembly
	state         State
	connectedCB   ConnectedCallback
	connectedSent bool
	recovered     []RecoveredCallback
	logger        *tracelog.Logger
}

// NewManager creates a Manager expecting expectedPeers remote peers (the
// configured cluster size minus self) before it transitions to Connected.
func NewManager(expectedPeers int, logger *tracelog.Logger) *Manager {
	return &Manager{
		expectedPeers: expectedPeers,
		assemblies:    make(map[byte]*assembly),
		state:         StateInitializing,
		logger:        logger,
	}
}

// OnConnected registers the one-shot connected-snapshot callback.
func (m *Manager) OnConnected(cb ConnectedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedCB = cb
}

// OnRecovered queues a callback for the (never attempted, per spec.md §9)
// recovery path; it still fires, with the terminal error, on Broken/Closed.
func (m *Manager) OnRecovered(cb RecoveredCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered = append(m.recovered, cb)
}

// State reports the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleClientConnection records a successful outbound (Connector) link.
func (m *Manager) HandleClientConnection(est handshake.Established, loc Location) {
	m.mu.Lock()
	if m.state != StateInitializing && m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	a := m.assemblyFor(est.PeerID)
	a.loc = loc
	a.hasLoc = true
	a.out = est.Svc
	a.outConn = est.Conn
	fire, snapshot, cb := m.maybeConnectedLocked()
	m.mu.Unlock()

	if fire && cb != nil {
		cb(snapshot, nil)
	}
}

// HandleServerConnection records a successful inbound (Acceptor) link.
func (m *Manager) HandleServerConnection(est handshake.Established) {
	m.mu.Lock()
	if m.state != StateInitializing && m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	a := m.assemblyFor(est.PeerID)
	a.in = est.Svc
	a.inConn = est.Conn
	fire, snapshot, cb := m.maybeConnectedLocked()
	m.mu.Unlock()

	if fire && cb != nil {
		cb(snapshot, nil)
	}
}

func (m *Manager) assemblyFor(id byte) *assembly {
	a, ok := m.assemblies[id]
	if !ok {
		a = &assembly{}
		m.assemblies[id] = a
	}
	return a
}

// maybeConnectedLocked must be called with mu held. It returns whether the
// connected callback should fire (and with what snapshot) once the caller
// releases the lock.
func (m *Manager) maybeConnectedLocked() (bool, []*PeerLink, ConnectedCallback) {
	if m.connectedSent || m.state != StateInitializing {
		return false, nil, nil
	}
	complete := 0
	for _, a := range m.assemblies {
		if a.in != nil && a.out != nil {
			complete++
		}
	}
	if complete < m.expectedPeers {
		return false, nil, nil
	}
	m.state = StateConnected
	m.connectedSent = true
	return true, m.buildSnapshotLocked(), m.connectedCB
}

func (m *Manager) buildSnapshotLocked() []*PeerLink {
	out := make([]*PeerLink, 0, len(m.assemblies))
	for id, a := range m.assemblies {
		if a.in == nil || a.out == nil {
			continue
		}
		out = append(out, &PeerLink{Location: a.loc, ID: id, In: a.in, Out: a.out})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReportError transitions the manager to Broken on the first hard error
// from any peer link (spec.md §4.5/§4.7/§9: recovery is a reserved,
// unreached transition — StateRecovering exists as a named constant but no
// code path produces it).
func (m *Manager) ReportError(err error) {
	m.mu.Lock()
	if m.state == StateBroken || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	alreadySent := m.connectedSent
	m.connectedSent = true
	m.state = StateBroken
	cb := m.connectedCB
	recovered := m.recovered
	m.recovered = nil
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Error("peer network broken", zap.Error(err))
	}
	if !alreadySent && cb != nil {
		cb(nil, err)
	}
	for _, r := range recovered {
		r(err)
	}
}

// Close transitions the manager to Closed, closes every owned socket, and
// notifies any callback that has not yet fired with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	alreadySent := m.connectedSent
	m.connectedSent = true
	m.state = StateClosed
	cb := m.connectedCB
	recovered := m.recovered
	m.recovered = nil
	assemblies := m.assemblies
	m.mu.Unlock()

	for _, a := range assemblies {
		if a.inConn != nil {
			_ = a.inConn.Close()
		}
		if a.outConn != nil {
			_ = a.outConn.Close()
		}
	}
	if !alreadySent && cb != nil {
		cb(nil, ErrClosed)
	}
	for _, r := range recovered {
		r(ErrClosed)
	}
}
