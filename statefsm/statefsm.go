// Package statefsm is a small reusable engine for sync/async state graphs
// with singleton states, grounded on the teacher's csEntryCh/waiting signal
// idiom (algorithms/mutex_handler.go) and its event-trace observer loop
// (testing/harness/harness.go), generalized from "one client's token wait"
// into a general-purpose driver used by the handshake state machines.
package statefsm

import "sync"

// Transition is anything that can be a machine's next state, whether it
// drives synchronously (State) or asynchronously (AsyncState).
type Transition interface {
	Name() string
}

// Result is returned by a sync State's Run method: either advance to Next,
// or stop the machine and report Err (nil on clean completion).
type Result struct {
	Next Transition
	Stop bool
	Err  error
}

// GoTo produces a Result that advances to next.
func GoTo(next Transition) Result { return Result{Next: next} }

// Done produces a terminal Result, successful if err is nil.
func Done(err error) Result { return Result{Stop: true, Err: err} }

// State is a sync state: its Run method executes to completion on the
// calling goroutine and returns the next transition.
type State interface {
	Name() string
	Run(m *Machine) Result
}

// AsyncState is a state whose Begin method starts work and returns
// immediately; the machine resumes only when the state (or an external
// caller) invokes complete. Handlers may override the next state at
// runtime by calling Machine.Force before completing.
type AsyncState interface {
	Name() string
	Begin(m *Machine, complete func(Result))
}

// Machine drives a graph of State/AsyncState values. States are singletons:
// callers pass the same instance for every transition into a given state.
type Machine struct {
	mu      sync.Mutex
	running bool
	stopped bool
	err     error

	forcedNext Transition // runtime override consumed by the next transition

	stopCh chan struct{}
}

// New creates a Machine. Call Start to begin driving it from the given
// initial state.
func New() *Machine {
	return &Machine{stopCh: make(chan struct{})}
}

// Force overrides the next transition target, consumed once by the next
// Run/Begin completion. Used by async states that need to branch beyond the
// single "next state" their Begin callback was given.
func (m *Machine) Force(next Transition) {
	m.mu.Lock()
	m.forcedNext = next
	m.mu.Unlock()
}

// Start begins driving the machine from start on the calling goroutine; it
// returns once the machine stops or reaches the first async state's Begin
// call. If start is itself async, Start returns immediately after Begin is
// invoked.
func (m *Machine) Start(start Transition) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.drive(start)
}

// drive runs sync states in a trampoline loop to avoid deep recursion;
// reaching an async state returns control to the caller immediately.
func (m *Machine) drive(current Transition) {
	for {
		if as, ok := current.(AsyncState); ok {
			as.Begin(m, m.resume)
			return
		}

		s, ok := current.(interface {
			State
		})
		if !ok {
			m.finish(nil)
			return
		}
		res := s.Run(m)
		if res.Stop {
			m.finish(res.Err)
			return
		}
		current = m.nextOf(res.Next)
	}
}

// resume is the completion callback handed to an async state's Begin; it
// continues the trampoline from the result it receives.
func (m *Machine) resume(res Result) {
	if res.Stop {
		m.finish(res.Err)
		return
	}
	m.drive(m.nextOf(res.Next))
}

// nextOf applies any pending Force override, consuming it.
func (m *Machine) nextOf(next Transition) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedNext != nil {
		forced := m.forcedNext
		m.forcedNext = nil
		return forced
	}
	return next
}

func (m *Machine) finish(err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.running = false
	m.err = err
	close(m.stopCh)
	m.mu.Unlock()
}

// Stop marks the machine as no longer running. It does not interrupt a
// state mid-flight; states that hold external resources (sockets) should be
// closed by the caller to unblock any in-progress async state.
func (m *Machine) Stop() {
	m.finish(nil)
}

// AwaitStop blocks until the machine reaches a terminal state and returns
// the error it finished with, if any.
func (m *Machine) AwaitStop() error {
	<-m.stopCh
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Running reports whether the machine has not yet been signalled to stop.
// (spec.md §9, Open Question #1: this is "not yet stopped", deliberately
// not tied to any internal cleanup flag.)
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}
