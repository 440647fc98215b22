package mutex

import (
	"net"
	"testing"
	"time"

	"github.com/distcodep7/peerlock/async"
	"github.com/distcodep7/peerlock/peernet"
	"github.com/distcodep7/peerlock/workerpool"
)

// pipeEnds names the pair of net.Pipe connections, one per direction,
// between two engines; newLinkedEngines builds that pairing inline and
// wires the engines together directly via wireLinks without
// handshake/TCP/Manager.
type pipeEnds struct {
	aToB net.Conn // a writes, b reads
	bToA net.Conn
}

func newLinkedEngines(t *testing.T, idA, idB byte) (*Engine, *Engine) {
	t.Helper()

	aOutW, bInR := net.Pipe() // A -> B
	bOutW, aInR := net.Pipe() // B -> A
	t.Cleanup(func() {
		aOutW.Close()
		bInR.Close()
		bOutW.Close()
		aInR.Close()
	})

	poolA := workerpool.New(2, 16)
	poolB := workerpool.New(2, 16)
	t.Cleanup(poolA.Stop)
	t.Cleanup(poolB.Stop)

	engA := NewEngine(idA, poolA, nil)
	engB := NewEngine(idB, poolB, nil)

	engA.wireLinks([]*peernet.PeerLink{
		{ID: idB, In: async.NewService(aInR, 0), Out: async.NewService(aOutW, 0)},
	})
	engB.wireLinks([]*peernet.PeerLink{
		{ID: idA, In: async.NewService(bInR, 0), Out: async.NewService(bOutW, 0)},
	})

	return engA, engB
}

// TestUncontestedAcquireGrantsImmediately covers spec.md §8 scenario 1: a
// single node with one peer, no contention, should reach the critical
// section once its peer's Reply arrives.
func TestUncontestedAcquireGrantsImmediately(t *testing.T) {
	engA, _ := newLinkedEngines(t, 1, 2)

	entered := make(chan func(), 1)
	if err := engA.RunWithMutualExclusion("f.txt", func(done func()) {
		entered <- done
	}); err != nil {
		t.Fatalf("RunWithMutualExclusion: %v", err)
	}

	select {
	case done := <-entered:
		done()
	case <-time.After(2 * time.Second):
		t.Fatal("never entered critical section")
	}
}

// TestSymmetricContentionBreaksTieByTimestampThenID covers spec.md §8
// scenario 2: both nodes request the same file at the same moment; the
// lower (timestamp, id) pair must win and the other must defer.
func TestSymmetricContentionBreaksTieByTimestampThenID(t *testing.T) {
	engA, engB := newLinkedEngines(t, 1, 2) // A has the lower ID, should win on a tie

	enteredA := make(chan func(), 1)
	enteredB := make(chan func(), 1)

	if err := engA.RunWithMutualExclusion("shared.txt", func(done func()) { enteredA <- done }); err != nil {
		t.Fatalf("A RunWithMutualExclusion: %v", err)
	}
	if err := engB.RunWithMutualExclusion("shared.txt", func(done func()) { enteredB <- done }); err != nil {
		t.Fatalf("B RunWithMutualExclusion: %v", err)
	}

	var doneA func()
	select {
	case doneA = <-enteredA:
	case <-time.After(2 * time.Second):
		t.Fatal("A (lower id) never entered critical section despite tie-break")
	}

	select {
	case <-enteredB:
		t.Fatal("B entered critical section before A released, tie-break violated")
	case <-time.After(100 * time.Millisecond):
	}

	doneA()

	select {
	case doneB := <-enteredB:
		doneB()
	case <-time.After(2 * time.Second):
		t.Fatal("B never entered critical section after A released")
	}
}

// TestRequestForSameFileInvalidatesCacheBeforeReplying exercises the two
// StateRequesting/same-file branches of handleRequest (the peer-outranks-us
// immediate reply, and the defer-until-release path): previously these two
// branches were the only ones that didn't invalidate the receiver's own
// cached Roucairol-Carvalho permission from the requesting peer, so a node
// holding a stale cache from an earlier round could keep treating it as
// valid even after the peer re-requested the file, letting a later
// RunWithMutualExclusion enter on a permission the peer had already
// reclaimed. A fresh Request must always revoke that cache, regardless of
// which sub-branch handles it.
func TestRequestForSameFileInvalidatesCacheBeforeReplying(t *testing.T) {
	for _, tc := range []struct {
		name          string
		selfID        byte
		peer          byte
		myTimestamp   uint64
		peerTimestamp uint64
	}{
		// peer(2) < selfID(1) is false at equal timestamps, so peer loses
		// the tie and we defer its request instead of replying immediately.
		{name: "defer branch, peer loses tie", selfID: 1, peer: 2, myTimestamp: 5, peerTimestamp: 5},
		// peer(1) < selfID(2) at equal timestamps: peer wins the tie, so we
		// reply immediately instead of deferring.
		{name: "immediate reply branch, peer wins tie", selfID: 2, peer: 1, myTimestamp: 5, peerTimestamp: 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool := workerpool.New(1, 4)
			defer pool.Stop()

			e := NewEngine(tc.selfID, pool, nil)
			e.state = StateRequesting
			e.request = &myRequest{file: "shared.txt", timestamp: tc.myTimestamp}
			e.havePermission[tc.peer] = map[string]struct{}{"shared.txt": {}}

			e.handleRequest(tc.peer, tc.peerTimestamp, "shared.txt")

			e.mu.Lock()
			_, stillCached := e.havePermission[tc.peer]["shared.txt"]
			e.mu.Unlock()
			if stillCached {
				t.Fatalf("peer %d's Request must invalidate our cached permission from them, but it is still cached", tc.peer)
			}
		})
	}
}

// TestPermissionCacheReusedAcrossRequests covers spec.md §8 scenario 3: once
// a peer has replied for a file and that file hasn't been contended since,
// a second RunWithMutualExclusion for the same file must not require a new
// Request/Reply round trip — it should enter immediately off the cache.
func TestPermissionCacheReusedAcrossRequests(t *testing.T) {
	engA, _ := newLinkedEngines(t, 1, 2)

	first := make(chan func(), 1)
	if err := engA.RunWithMutualExclusion("cached.txt", func(done func()) { first <- done }); err != nil {
		t.Fatalf("first RunWithMutualExclusion: %v", err)
	}
	select {
	case done := <-first:
		done()
	case <-time.After(2 * time.Second):
		t.Fatal("first acquire never completed")
	}

	// Give the release's deferred-queue drain a moment to settle (queue is
	// empty here, so this is just to avoid a racy immediate re-request).
	time.Sleep(10 * time.Millisecond)

	if got := len(engA.havePermission[2]); got != 1 {
		t.Fatalf("expected cached permission for peer 2 after first release, got %d entries", got)
	}

	second := make(chan func(), 1)
	if err := engA.RunWithMutualExclusion("cached.txt", func(done func()) { second <- done }); err != nil {
		t.Fatalf("second RunWithMutualExclusion: %v", err)
	}
	select {
	case done := <-second:
		done()
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second acquire never completed (permission cache not reused)")
	}
}

// TestClockNeverDecreases drives a handful of Request/Reply exchanges and
// checks the Lamport clock is monotonic throughout.
func TestClockNeverDecreases(t *testing.T) {
	engA, engB := newLinkedEngines(t, 1, 2)

	doneCh := make(chan func(), 4)
	run := func(e *Engine, file string) {
		if err := e.RunWithMutualExclusion(file, func(done func()) { doneCh <- done }); err != nil {
			t.Fatalf("RunWithMutualExclusion: %v", err)
		}
	}

	prevA, prevB := engA.Timestamp(), engB.Timestamp()
	run(engA, "x.txt")
	select {
	case done := <-doneCh:
		done()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for x.txt")
	}
	if engA.Timestamp() < prevA {
		t.Fatalf("A's clock decreased: %d -> %d", prevA, engA.Timestamp())
	}

	run(engB, "y.txt")
	select {
	case done := <-doneCh:
		done()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for y.txt")
	}
	if engB.Timestamp() < prevB {
		t.Fatalf("B's clock decreased: %d -> %d", prevB, engB.Timestamp())
	}
}

// sharedCounter is a deliberately non-atomic "do work and increment" step,
// adapted from the teacher's testutils.CriticalSection.Work helper: a sleep
// between reading and writing the shared value maximizes the odds that an
// interleaving bug (two nodes both "inside" the critical section at once)
// corrupts the final count.
type sharedCounter struct {
	value int
}

func (c *sharedCounter) work() {
	v := c.value
	time.Sleep(time.Millisecond)
	c.value = v + 1
}

// TestMutualExclusionSerializesConcurrentCriticalSections drives both
// engines through several rounds of contention on the same file and checks
// the shared counter lands on exactly the expected total, proving the two
// nodes never ran their critical sections concurrently.
func TestMutualExclusionSerializesConcurrentCriticalSections(t *testing.T) {
	engA, engB := newLinkedEngines(t, 1, 2)

	const rounds = 5
	counter := &sharedCounter{}

	requestOnce := func(e *Engine) <-chan struct{} {
		finished := make(chan struct{})
		err := e.RunWithMutualExclusion("counter.txt", func(done func()) {
			counter.work()
			done()
			close(finished)
		})
		if err != nil {
			t.Fatalf("RunWithMutualExclusion: %v", err)
		}
		return finished
	}

	for i := 0; i < rounds; i++ {
		finA := requestOnce(engA)
		finB := requestOnce(engB)
		for _, fin := range []<-chan struct{}{finA, finB} {
			select {
			case <-fin:
			case <-time.After(2 * time.Second):
				t.Fatalf("round %d: a request never completed", i)
			}
		}
	}

	if counter.value != rounds*2 {
		t.Fatalf("got counter %d, want %d: critical sections overlapped", counter.value, rounds*2)
	}
}

// TestRunWithMutualExclusionRejectsConcurrentRequest covers the API-misuse
// error case: a second request before the first has released.
func TestRunWithMutualExclusionRejectsConcurrentRequest(t *testing.T) {
	engA, _ := newLinkedEngines(t, 1, 2)

	entered := make(chan func(), 1)
	if err := engA.RunWithMutualExclusion("only-one.txt", func(done func()) { entered <- done }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	if err := engA.RunWithMutualExclusion("another.txt", func(done func()) {}); err != ErrAlreadyInProgress {
		t.Fatalf("got %v, want ErrAlreadyInProgress", err)
	}

	select {
	case done := <-entered:
		done()
	case <-time.After(2 * time.Second):
		t.Fatal("never entered critical section")
	}
}
