package qpmanager

import (
	"context"
	"net"
	"testing"
	"time"

	"bmft/internal/driver/simdriver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/socketfabric"
)

func mustAddr(t *testing.T, s string) *net.TCPAddr {
	t.Helper()
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		t.Fatalf("ResolveTCPAddr(%q): %v", s, err)
	}
	return a
}

func TestFixedManagerTwoRanksReachOperational(t *testing.T) {
	fabric := simdriver.NewFabric()

	node0 := simdriver.NewNode(fabric, 0)
	sf0 := socketfabric.New(node0, logging.Default())
	mrs0 := mrtable.New()
	l0, err := node0.SocketListenStart(context.Background(), mustAddr(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("rank0 listen: %v", err)
	}
	defer l0.Close()
	go acceptLoop(l0)
	addr0 := l0.Addr().(*net.TCPAddr)

	node1 := simdriver.NewNode(fabric, 1)
	sf1 := socketfabric.New(node1, logging.Default())
	mrs1 := mrtable.New()

	m0 := NewFixedManager(node0, sf0, mrs0, nil, 0, nil)
	m1 := NewFixedManager(node1, sf1, mrs1, nil, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m0.Prepare(ctx, []RankInfo{{RankID: 0}, {RankID: 1}}); err != nil {
		t.Fatalf("rank0 Prepare: %v", err)
	}
	if err := m1.Prepare(ctx, []RankInfo{{RankID: 0, Addr: addr0}, {RankID: 1}}); err != nil {
		t.Fatalf("rank1 Prepare: %v", err)
	}
	defer m0.Shutdown()
	defer m1.Shutdown()

	if err := m0.AsyncConnect(); err != nil {
		t.Fatalf("rank0 AsyncConnect: %v", err)
	}
	if err := m1.AsyncConnect(); err != nil {
		t.Fatalf("rank1 AsyncConnect: %v", err)
	}

	if err := m1.WaitQpReady(ctx); err != nil {
		t.Fatalf("rank1 WaitQpReady: %v", err)
	}

	qp, ok := m1.GetQpHandleWithRankId(0)
	if !ok {
		t.Fatal("rank1 expected an operational QP handle for rank 0")
	}
	if qp == 0 {
		t.Error("expected a non-zero QP handle")
	}
	m1.PutQpHandle(0)
}

func acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func TestBipartiteManagerSenderReceiver(t *testing.T) {
	fabric := simdriver.NewFabric()

	receiverNode := simdriver.NewNode(fabric, 0)
	receiverFabric := socketfabric.New(receiverNode, logging.Default())
	receiverMrs := mrtable.New()
	l, err := receiverNode.SocketListenStart(context.Background(), mustAddr(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("receiver listen: %v", err)
	}
	defer l.Close()
	go acceptLoop(l)
	receiverAddr := l.Addr().(*net.TCPAddr)

	senderNode := simdriver.NewNode(fabric, 1)
	senderFabric := socketfabric.New(senderNode, logging.Default())
	senderMrs := mrtable.New()

	receiver := NewBipartiteManager(receiverNode, receiverFabric, receiverMrs, nil, 0, RoleReceiver, nil)
	sender := NewBipartiteManager(senderNode, senderFabric, senderMrs, nil, 1, RoleSender, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := receiver.Prepare(ctx, []RankInfo{{RankID: 1, Role: RoleSender}}); err != nil {
		t.Fatalf("receiver Prepare: %v", err)
	}
	if err := sender.Prepare(ctx, []RankInfo{{RankID: 0, Addr: receiverAddr, Role: RoleReceiver}}); err != nil {
		t.Fatalf("sender Prepare: %v", err)
	}
	defer receiver.Shutdown()
	defer sender.Shutdown()

	if err := sender.WaitQpReady(ctx); err != nil {
		t.Fatalf("sender WaitQpReady: %v", err)
	}
	if _, ok := sender.GetQpHandleWithRankId(0); !ok {
		t.Fatal("sender expected an operational QP handle for the receiver")
	}
}

func TestBipartiteManagerSameRoleIgnored(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	sf := socketfabric.New(node, logging.Default())
	mrs := mrtable.New()

	m := NewBipartiteManager(node, sf, mrs, nil, 0, RoleSender, nil)
	ctx := context.Background()
	if err := m.Prepare(ctx, []RankInfo{{RankID: 1, Role: RoleSender}}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer m.Shutdown()

	m.mu.Lock()
	n := len(m.peers)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("same-role peer should have been ignored, got %d peers", n)
	}
}

func TestJoinableManagerLateJoin(t *testing.T) {
	fabric := simdriver.NewFabric()

	node0 := simdriver.NewNode(fabric, 0)
	sf0 := socketfabric.New(node0, logging.Default())
	mrs0 := mrtable.New()
	l0, err := node0.SocketListenStart(context.Background(), mustAddr(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("rank0 listen: %v", err)
	}
	defer l0.Close()
	go acceptLoop(l0)
	addr0 := l0.Addr().(*net.TCPAddr)

	node2 := simdriver.NewNode(fabric, 2)
	sf2 := socketfabric.New(node2, logging.Default())
	mrs2 := mrtable.New()

	m0 := NewJoinableManager(node0, sf0, mrs0, nil, 0, nil)
	m2 := NewJoinableManager(node2, sf2, mrs2, nil, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m0.Prepare(ctx, nil); err != nil {
		t.Fatalf("rank0 Prepare: %v", err)
	}
	if err := m2.Prepare(ctx, nil); err != nil {
		t.Fatalf("rank2 Prepare: %v", err)
	}
	defer m0.Shutdown()
	defer m2.Shutdown()

	// Rank 2 joins late, as rank 2 would see it via UpdateRankOptions
	// (spec.md §8's "Joinable late member" scenario). rank0 < rank2, so
	// rank2 acts as client toward rank0 and dials addr0 (spec.md §4.2.3:
	// "for each peer with rankId < self.rankId, act as client").
	if err := m2.UpdateRankOptions(ctx, []RankInfo{{RankID: 0, Addr: addr0}}); err != nil {
		t.Fatalf("rank2 UpdateRankOptions: %v", err)
	}

	if err := m2.WaitQpReady(ctx); err != nil {
		t.Fatalf("rank2 WaitQpReady: %v", err)
	}
	if _, ok := m2.GetQpHandleWithRankId(0); !ok {
		t.Fatal("rank2 expected an operational QP handle for rank 0 after late join")
	}
}

func TestJoinableManagerRemoveRanksClosesPeer(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	sf := socketfabric.New(node, logging.Default())
	mrs := mrtable.New()

	m := NewJoinableManager(node, sf, mrs, nil, 0, nil)
	ctx := context.Background()
	if err := m.Prepare(ctx, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer m.Shutdown()

	if err := m.UpdateRankOptions(ctx, []RankInfo{{RankID: 5, Addr: mustAddr(t, "127.0.0.1:1")}}); err != nil {
		t.Fatalf("UpdateRankOptions: %v", err)
	}
	if err := m.RemoveRanks([]int{5}); err != nil {
		t.Fatalf("RemoveRanks: %v", err)
	}
	if _, ok := m.GetQpHandleWithRankId(5); ok {
		t.Error("expected no QP handle for a removed rank")
	}
}
