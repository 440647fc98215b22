package peernet

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/distcodep7/peerlock/shutdown"
)

// TestTwoNodeMeshReachesConnected dials A<->B symmetrically and checks both
// sides independently reach Connected with a one-entry, fully-populated
// snapshot, exercising Connector, Acceptor, and Manager together.
func TestTwoNodeMeshReachesConnected(t *testing.T) {
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen A: %v", err)
	}
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen B: %v", err)
	}
	defer lnB.Close()

	portA := lnA.Addr().(*net.TCPAddr).Port
	portB := lnB.Addr().(*net.TCPAddr).Port
	locA := Location{Host: "127.0.0.1", Port: portA}
	locB := Location{Host: "127.0.0.1", Port: portB}

	const password = "shared-secret"

	tokenA := shutdown.New()
	tokenB := shutdown.New()
	defer tokenA.Stop()
	defer tokenB.Stop()

	mgrA := NewManager(1, nil)
	mgrB := NewManager(1, nil)

	acceptorA := NewAcceptor(1, password, time.Second, mgrA, nil)
	acceptorA.Await(locB)
	acceptorB := NewAcceptor(2, password, time.Second, mgrB, nil)
	acceptorB.Await(locA)

	go acceptorA.Serve(lnA, tokenA)
	go acceptorB.Serve(lnB, tokenB)

	connA := NewConnector(1, password, time.Second, 20*time.Millisecond, mgrA, nil, tokenA)
	connB := NewConnector(2, password, time.Second, 20*time.Millisecond, mgrB, nil, tokenB)

	connectedA := make(chan []*PeerLink, 1)
	connectedB := make(chan []*PeerLink, 1)
	mgrA.OnConnected(func(snapshot []*PeerLink, err error) {
		if err != nil {
			t.Errorf("A connected callback error: %v", err)
		}
		connectedA <- snapshot
	})
	mgrB.OnConnected(func(snapshot []*PeerLink, err error) {
		if err != nil {
			t.Errorf("B connected callback error: %v", err)
		}
		connectedB <- snapshot
	})

	connA.Start([]Location{locB})
	connB.Start([]Location{locA})

	select {
	case snap := <-connectedA:
		if len(snap) != 1 || snap[0].ID != 2 {
			t.Fatalf("A snapshot: %+v", snap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("A never reached Connected")
	}

	select {
	case snap := <-connectedB:
		if len(snap) != 1 || snap[0].ID != 1 {
			t.Fatalf("B snapshot: %+v", snap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("B never reached Connected")
	}

	if mgrA.State() != StateConnected || mgrB.State() != StateConnected {
		t.Fatalf("got A=%s B=%s, want both Connected", mgrA.State(), mgrB.State())
	}
}

func TestAcceptorDropsConnectionFromUnawaitedHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	mgr := NewManager(1, nil)
	acceptor := NewAcceptor(1, "pw", time.Second, mgr, nil)
	// Deliberately do not Await anything: every remote should be dropped.

	token := shutdown.New()
	defer token.Stop()
	go acceptor.Serve(ln, token)

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection to be closed by acceptor")
	}
}
