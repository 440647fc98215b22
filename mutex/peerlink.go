package mutex

import "github.com/distcodep7/peerlock/wire"

// peerLink drives a perpetual read loop on one peer's inbound connection
// and exposes send on its outbound, per spec.md §4.6. Grounded on
// algorithms/mutex_handler.go's OnEvent dispatch-by-message-type idiom,
// generalized from a single centralized-token client to one link per peer
// in a fully distributed mesh.
type peerLink struct {
	id     byte
	in     sender // async.Service, narrowed to the two methods this file uses
	out    sender
	engine *Engine
}

// sender is the subset of *async.Service's surface peerLink depends on;
// declared locally so mutex tests can substitute a fake without importing
// net.
type sender interface {
	ReadMessage(cb func(*wire.Message, error))
	WriteMessage(msg wire.Message, cb func(error))
}

// scheduleRead issues the next ReadMessage. Per spec.md §4.6, the next read
// is scheduled on the thread pool only after the current message has been
// fully dispatched, so decode/handle work happens on pool goroutines rather
// than recursively inside the read callback.
func (l *peerLink) scheduleRead() {
	l.in.ReadMessage(func(msg *wire.Message, err error) {
		if err != nil {
			l.engine.onLinkError(l.id, err)
			return
		}
		m := *msg
		_ = l.engine.pool.Submit(func() {
			l.engine.dispatch(l.id, m)
			l.scheduleRead()
		})
	})
}

// send writes msg on this link's outbound connection.
func (l *peerLink) send(msg wire.Message, cb func(error)) {
	l.out.WriteMessage(msg, cb)
}
