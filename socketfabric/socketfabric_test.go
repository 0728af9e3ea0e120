package socketfabric

import (
	"context"
	"net"
	"testing"

	"bmft/internal/driver/simdriver"
)

func mustResolve(t *testing.T, s string) *net.TCPAddr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		t.Fatalf("ResolveTCPAddr(%q): %v", s, err)
	}
	return addr
}

func TestListenAndClose(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	f := New(node, nil)

	if err := f.Listen(context.Background(), mustResolve(t, "127.0.0.1:0")); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Idempotent.
	if err := f.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestWhitelistAddAndDel(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	f := New(node, nil)

	addr := mustResolve(t, "127.0.0.1:1")
	if err := f.WhitelistAdd(context.Background(), 1, addr); err != nil {
		t.Fatalf("WhitelistAdd failed: %v", err)
	}
	if err := f.WhitelistDel(1); err != nil {
		t.Fatalf("WhitelistDel failed: %v", err)
	}
}

func TestBatchConnectLoopback(t *testing.T) {
	fabric := simdriver.NewFabric()
	serverNode := simdriver.NewNode(fabric, 0)
	server := New(serverNode, nil)

	l, err := serverNode.SocketListenStart(context.Background(), mustResolve(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	clientNode := simdriver.NewNode(fabric, 1)
	client := New(clientNode, nil)
	_ = server

	raddr := l.Addr().(*net.TCPAddr)
	targets := []ConnectTarget{{RankID: 0, Addr: raddr}}

	results := client.BatchConnect(context.Background(), targets)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("connect to loopback listener failed: %v", results[0].Err)
	}

	sockets, err := client.Sockets(0)
	if err != nil {
		t.Fatalf("Sockets failed: %v", err)
	}
	if len(sockets) != 1 {
		t.Errorf("recorded %d sockets for rank 0, want 1", len(sockets))
	}
}

func TestBatchConnectUnreachableSurfacesError(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	f := New(node, nil)

	ctx, cancel := context.WithCancel(context.Background())
	// Dialing a closed local port fails fast; cancel promptly so the
	// retry loop's backoff sleep doesn't stall the test.
	unreachable := mustResolve(t, "127.0.0.1:1")
	targets := []ConnectTarget{{RankID: 9, Addr: unreachable}}

	done := make(chan []ConnectResult, 1)
	go func() { done <- f.BatchConnect(ctx, targets) }()
	cancel()

	results := <-done
	if results[0].Err == nil {
		t.Fatal("expected an error connecting to an unreachable target")
	}
}

func TestDropRankForgetsSockets(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	f := New(node, nil)

	f.recordSocket(3, 0xabc)
	f.DropRank(3)

	sockets, err := f.Sockets(3)
	if err != nil {
		t.Fatalf("Sockets failed: %v", err)
	}
	if len(sockets) != 0 {
		t.Errorf("expected no sockets after DropRank, got %d", len(sockets))
	}
}
