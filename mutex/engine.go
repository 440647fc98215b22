// Package mutex implements the distributed mutual-exclusion engine: the
// Ricart–Agrawala algorithm with the Roucairol–Carvalho permission-cache
// optimisation (spec.md §4.7, the 25%-share core of this repository).
// The dispatch-by-opcode idiom, the FIFO wait/deferred queue, and the
// channel-gated critical-section entry are grounded on
// algorithms/centr_mutex.go, algorithms/mutex_handler.go and
// algorithms/mutex_server.go's OnEvent/waitQueue/csEntryCh pattern; the
// *semantics* are replaced wholesale, from a centralized single-token
// protocol to the spec's fully distributed per-file algorithm.
package mutex

import (
	"context"
	"fmt"
	"sync"

	"github.com/distcodep7/peerlock/peernet"
	"github.com/distcodep7/peerlock/tracelog"
	"github.com/distcodep7/peerlock/wire"
	"github.com/distcodep7/peerlock/workerpool"
	"go.uber.org/zap"
)

// Engine is the distributed mutex engine for one node.
type Engine struct {
	selfID byte
	pool   *workerpool.Pool
	logger *tracelog.Logger

	mu             sync.Mutex
	clock          uint64
	state          EngineState
	request        *myRequest
	havePermission map[byte]map[string]struct{}
	deferred       []deferredEntry
	stopped        bool

	links   map[byte]*peerLink
	manager *peernet.Manager
}

// NewEngine creates an Engine in the Waiting state with an empty permission
// cache and Lamport clock at zero.
func NewEngine(selfID byte, pool *workerpool.Pool, logger *tracelog.Logger) *Engine {
	return &Engine{
		selfID:         selfID,
		pool:           pool,
		logger:         logger,
		state:          StateWaiting,
		havePermission: make(map[byte]map[string]struct{}),
	}
}

// Timestamp reads the current Lamport clock.
func (e *Engine) Timestamp() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

// State reports the engine's current state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start waits for manager's connected snapshot, then launches one receive
// loop per peer link. It blocks until the snapshot arrives, the manager
// reports an error, or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, manager *peernet.Manager) error {
	e.manager = manager

	type outcome struct {
		snapshot []*peernet.PeerLink
		err      error
	}
	resCh := make(chan outcome, 1)
	manager.OnConnected(func(snapshot []*peernet.PeerLink, err error) {
		resCh <- outcome{snapshot, err}
	})

	select {
	case res := <-resCh:
		if res.err != nil {
			return fmt.Errorf("mutex: peer network failed before connecting: %w", res.err)
		}
		e.wireLinks(res.snapshot)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wireLinks installs one peerLink per entry in snapshot and starts its
// receive loop. Exposed to tests via package-internal visibility so the
// algorithm can be exercised without a full peernet.Manager.
func (e *Engine) wireLinks(snapshot []*peernet.PeerLink) {
	e.mu.Lock()
	e.links = make(map[byte]*peerLink, len(snapshot))
	for _, pl := range snapshot {
		e.links[pl.ID] = &peerLink{id: pl.ID, in: pl.In, out: pl.Out, engine: e}
	}
	links := e.links
	e.mu.Unlock()

	for _, l := range links {
		l.scheduleRead()
	}
}

// Stop halts the engine. Closing the peer network (if attached) collapses
// every per-peer read loop, per spec.md §5.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	if e.manager != nil {
		e.manager.Close()
	}
}

// RunWithMutualExclusion requests the distributed lock on file and returns
// immediately; op is invoked later, once the lock is granted, with a done
// handle that releases it. Fails with ErrAlreadyInProgress if a request is
// already outstanding.
func (e *Engine) RunWithMutualExclusion(file string, op func(done func())) error {
	e.mu.Lock()
	if e.request != nil {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	t := e.clock
	e.request = &myRequest{file: file, timestamp: t, op: op}
	e.state = StateRequesting
	missing := e.missingPeersLocked(file)
	links := e.links
	e.mu.Unlock()

	for _, p := range missing {
		link := links[p]
		if link == nil {
			continue
		}
		link.send(wire.EncodeRequest(t, file), func(err error) {
			if err != nil {
				e.onLinkError(p, err)
			}
		})
	}
	e.logEvent(tracelog.EventSend, 0, "Request", file, t)
	e.scheduleCheckForEntry()
	return nil
}

// missingPeersLocked returns the peers from whom permission for file is not
// currently cached. Must be called with mu held.
func (e *Engine) missingPeersLocked(file string) []byte {
	var missing []byte
	for id := range e.links {
		have := e.havePermission[id]
		if have != nil {
			if _, ok := have[file]; ok {
				continue
			}
		}
		missing = append(missing, id)
	}
	return missing
}

// dispatch routes one decoded message from peer to the mutex engine's
// Request/Reply handlers. Other opcodes are not part of the mutex engine's
// contract (spec.md §3) and are ignored.
func (e *Engine) dispatch(peer byte, msg wire.Message) {
	switch msg.Opcode {
	case wire.OpRequest:
		body, err := wire.DecodeRequestReply(msg.Body)
		if err != nil {
			e.onLinkError(peer, err)
			return
		}
		e.handleRequest(peer, body.Timestamp, body.FileName)
	case wire.OpReply:
		body, err := wire.DecodeRequestReply(msg.Body)
		if err != nil {
			e.onLinkError(peer, err)
			return
		}
		e.handleReply(peer, body.Timestamp, body.FileName)
	}
}

// handleReply implements spec.md §4.7's "On receiving Reply{t, file}".
func (e *Engine) handleReply(peer byte, t uint64, file string) {
	e.mu.Lock()
	e.bumpClockLocked(t)
	if e.havePermission[peer] == nil {
		e.havePermission[peer] = make(map[string]struct{})
	}
	e.havePermission[peer][file] = struct{}{}
	e.mu.Unlock()

	e.logEvent(tracelog.EventRecv, peer, "Reply", file, t)
	e.scheduleCheckForEntry()
}

// handleRequest implements spec.md §4.7's Request decision table. Receiving
// any Request for file from peer revokes our cached Roucairol-Carvalho
// permission from peer for that file, unconditionally and regardless of
// our own state: the request means peer is reclaiming the standing
// permission it may once have granted us, so the cache invalidation cannot
// be deferred to whichever branch happens to reply.
func (e *Engine) handleRequest(peer byte, t uint64, file string) {
	e.mu.Lock()
	e.bumpClockLocked(t)
	e.invalidatePermissionLocked(peer, file)
	e.logEvent(tracelog.EventRecv, peer, "Request", file, t)

	switch e.state {
	case StateWaiting:
		reply := wire.EncodeReply(e.clock, file)
		e.mu.Unlock()
		e.sendTo(peer, reply)

	case StateInCriticalSection:
		e.deferred = append(e.deferred, deferredEntry{peer: peer, timestamp: t, file: file})
		e.mu.Unlock()

	case StateRequesting:
		my := e.request
		if my.file != file {
			reply := wire.EncodeReply(e.clock, file)
			e.mu.Unlock()
			e.sendTo(peer, reply)
			return
		}

		peerWins := t < my.timestamp || (t == my.timestamp && peer < e.selfID)
		if peerWins {
			// Peer outranks us: reply, but do NOT cache permission — we
			// never actually held it from them for this file.
			reply := wire.EncodeReply(e.clock, file)
			e.mu.Unlock()
			e.sendTo(peer, reply)
			return
		}

		e.deferred = append(e.deferred, deferredEntry{peer: peer, timestamp: t, file: file})
		e.mu.Unlock()
	default:
		e.mu.Unlock()
	}
}

// bumpClockLocked applies the Lamport receive rule. Must be called with mu
// held.
func (e *Engine) bumpClockLocked(t uint64) {
	next := t + 1
	if e.clock+1 > next {
		next = e.clock + 1
	}
	e.clock = next
}

// invalidatePermissionLocked removes file from the cached permission for
// peer. Must be called with mu held.
func (e *Engine) invalidatePermissionLocked(peer byte, file string) {
	if set, ok := e.havePermission[peer]; ok {
		delete(set, file)
	}
}

func (e *Engine) sendTo(peer byte, msg wire.Message) {
	e.mu.Lock()
	link := e.links[peer]
	e.mu.Unlock()
	if link == nil {
		return
	}
	e.logEvent(tracelog.EventSend, peer, msg.Opcode.String(), "", e.Timestamp())
	link.send(msg, func(err error) {
		if err != nil {
			e.onLinkError(peer, err)
		}
	})
}

// scheduleCheckForEntry runs checkForEntry on a pool goroutine, keeping
// RunWithMutualExclusion and the Reply handler non-blocking. Like
// peerLink.scheduleRead, this trusts NewEngine's non-nil pool invariant.
func (e *Engine) scheduleCheckForEntry() {
	_ = e.pool.Submit(e.checkForEntry)
}

// checkForEntry implements spec.md §4.7: if Requesting and every peer has
// granted permission for the requested file, transition to
// InCriticalSection and invoke the caller's operation.
func (e *Engine) checkForEntry() {
	e.mu.Lock()
	if e.state != StateRequesting {
		e.mu.Unlock()
		return
	}
	req := e.request
	for id := range e.links {
		have := e.havePermission[id]
		if have == nil {
			e.mu.Unlock()
			return
		}
		if _, ok := have[req.file]; !ok {
			e.mu.Unlock()
			return
		}
	}
	e.state = StateInCriticalSection
	e.mu.Unlock()

	e.logEvent(tracelog.EventStateChange, 0, "", req.file, e.Timestamp())
	req.op(e.release)
}

// release implements spec.md §4.7's done_handle(): transition back to
// Waiting, clear the outstanding request, and drain the deferred queue in
// enqueue order by replaying each entry through handleRequest (now
// evaluated against the Waiting state, so each drained peer receives an
// immediate Reply at the current clock value).
func (e *Engine) release() {
	e.mu.Lock()
	if e.state != StateInCriticalSection {
		e.mu.Unlock()
		return
	}
	e.state = StateWaiting
	e.request = nil
	drain := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	for _, d := range drain {
		e.handleRequest(d.peer, d.timestamp, d.file)
	}
}

// onLinkError reports a hard transport/framing error on a peer link to the
// network manager, which transitions the whole engine to Broken
// (spec.md §4.7's failure semantics: no local recovery, no re-request).
func (e *Engine) onLinkError(peer byte, err error) {
	if e.logger != nil {
		e.logger.Error("mutex: peer link failed", zap.Uint8("peer_id", peer), zap.Error(err))
	}
	if e.manager != nil {
		e.manager.ReportError(fmt.Errorf("mutex: link to peer %d: %w", peer, err))
	}
}

func (e *Engine) logEvent(kind tracelog.EventType, peer byte, opcode, file string, timestamp uint64) {
	if e.logger == nil {
		return
	}
	e.logger.Event(tracelog.Event{
		Type:      kind,
		NodeID:    e.selfID,
		Peer:      peer,
		Opcode:    opcode,
		File:      file,
		Timestamp: timestamp,
	})
}
