// Package simdriver is the in-memory reference implementation of
// internal/driver's NICDriver and HALDriver interfaces. It backs every
// test in this module that needs a NIC or HAL, the way the teacher's backend/mem.go (Memory, a
// sharded RAM-backed ublk Backend) backs go-ublk's own tests: a faithful,
// fully in-process stand-in for hardware that a real driver would talk to.
//
// Multiple ranks sharing one Fabric run in the same OS process, so
// "remote" addresses are ordinary Go heap addresses reachable via
// unsafe.Pointer — RDMA reads/writes become real memmoves, which is
// exactly what lets scenario-style tests (spec.md §8, "two-rank loopback
// write") assert on actual bytes rather than a mocked call count.
package simdriver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"bmft/internal/driver"
)

// region is a registered MR as the fabric sees it: which rank owns it,
// where it lives, and its access rights.
type region struct {
	rankID int
	addr   uint64
	size   uint64
	access driver.AccessFlag
}

// Fabric is shared by every simdriver.Node participating in a simulated
// run. Tests construct one Fabric and one Node per rank.
type Fabric struct {
	mu        sync.RWMutex
	nextKey   uint32
	regions   map[uint32]region // keyed by rkey
	whitelist map[int]map[int]bool
}

// NewFabric creates an empty shared fabric.
func NewFabric() *Fabric {
	return &Fabric{
		regions:   make(map[uint32]region),
		whitelist: make(map[int]map[int]bool),
	}
}

// pendingWR is a work-request built by SendWrV2, waiting for its doorbell
// to be rung by SqTaskSend.
type pendingWR struct {
	wr driver.SendWR
}

// Node is one rank's simulated NIC + HAL.
type Node struct {
	RankID int
	fabric *Fabric

	mu       sync.Mutex
	nextQP   uint64
	nextSQ   uint64
	nextLKey uint32
	qps      map[driver.QPHandle]driver.QPStatus
	pending  map[uint64]pendingWR // keyed by doorbell value
	completions map[uint64][]driver.CQEResult // keyed by sqID

	doorbellSeq atomic.Uint64
	addressing  driver.ChipAddressing
}

// NewNode creates a simulated NIC/HAL for rankID on the shared fabric.
func NewNode(fabric *Fabric, rankID int) *Node {
	return &Node{
		RankID:  rankID,
		fabric:  fabric,
		qps:     make(map[driver.QPHandle]driver.QPStatus),
		pending: make(map[uint64]pendingWR),
		completions: make(map[uint64][]driver.CQEResult),
		addressing: driver.ChipAddressing{
			ChipID: uint64(rankID + 1), DieID: 1, ChipOffset: 0x1000, DieOffset: 0x100, ChipAddr: 0x10,
		},
	}
}

var _ driver.NICDriver = (*Node)(nil)
var _ driver.HALDriver = (*Node)(nil)

func (n *Node) Init(ctx context.Context) error { return nil }

func (n *Node) SocketListenStart(ctx context.Context, laddr *net.TCPAddr) (net.Listener, error) {
	lc := net.ListenConfig{}
	return lc.Listen(ctx, "tcp", laddr.String())
}

func (n *Node) SocketListenStop(l net.Listener) error {
	if l == nil {
		return nil
	}
	return l.Close()
}

func (n *Node) SocketBatchConnect(ctx context.Context, raddrs []*net.TCPAddr) ([]driver.SocketHandle, []error) {
	handles := make([]driver.SocketHandle, len(raddrs))
	errs := make([]error, len(raddrs))
	for i, raddr := range raddrs {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", raddr.String())
		if err != nil {
			errs[i] = err
			continue
		}
		handles[i] = driver.SocketHandle(uintptr(unsafe.Pointer(&conn)))
		_ = conn.Close() // simulated fabric only needs reachability, not a held conn
	}
	return handles, errs
}

func (n *Node) SocketBatchClose(handles []driver.SocketHandle) error { return nil }

func (n *Node) SocketWhiteListAdd(rankID int, raddr *net.TCPAddr) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if n.fabric.whitelist[n.RankID] == nil {
		n.fabric.whitelist[n.RankID] = make(map[int]bool)
	}
	n.fabric.whitelist[n.RankID][rankID] = true
	return nil
}

func (n *Node) SocketWhiteListDel(rankID int) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	delete(n.fabric.whitelist[n.RankID], rankID)
	return nil
}

func (n *Node) GetSockets(rankID int) ([]driver.SocketHandle, error) {
	return nil, nil
}

func (n *Node) QpCreate(mode driver.QPMode) (driver.QPHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextQP++
	h := driver.QPHandle(n.nextQP)
	n.qps[h] = driver.StatusConnecting
	return h, nil
}

func (n *Node) QpAiCreate(mode driver.QPMode) (driver.QPHandle, error) {
	return n.QpCreate(mode)
}

func (n *Node) QpDestroy(qp driver.QPHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.qps, qp)
	return nil
}

func (n *Node) GetQpStatus(qp driver.QPHandle) (driver.QPStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.qps[qp]
	if !ok {
		return driver.StatusUninit, fmt.Errorf("simdriver: unknown qp %d", qp)
	}
	return s, nil
}

func (n *Node) QpConnectAsync(qp driver.QPHandle, sock driver.SocketHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.qps[qp]; !ok {
		return fmt.Errorf("simdriver: unknown qp %d", qp)
	}
	// A real NIC takes time to bring the QP up; the simulated one
	// transitions immediately but callers must still poll GetQpStatus,
	// matching spec.md §4.2's "poll RaGetQpStatus" contract.
	n.qps[qp] = driver.StatusReady
	return nil
}

func (n *Node) RegisterMR(addr uint64, size uint64, access driver.AccessFlag) (driver.MRRegistration, error) {
	n.mu.Lock()
	n.nextLKey++
	lkey := n.nextLKey
	n.mu.Unlock()

	n.fabric.mu.Lock()
	n.fabric.nextKey++
	rkey := n.fabric.nextKey
	n.fabric.regions[rkey] = region{rankID: n.RankID, addr: addr, size: size, access: access}
	n.fabric.mu.Unlock()

	return driver.MRRegistration{LKey: lkey, RKey: rkey}, nil
}

func (n *Node) DeregisterMR(reg driver.MRRegistration) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	delete(n.fabric.regions, reg.RKey)
	return nil
}

func (n *Node) SendWrV2(qp driver.QPHandle, wr driver.SendWR) (driver.SendWRResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.qps[qp]; !ok {
		return driver.SendWRResponse{}, fmt.Errorf("simdriver: send on unknown qp %d", qp)
	}
	doorbell := n.doorbellSeq.Add(1)
	n.pending[doorbell] = pendingWR{wr: wr}
	return driver.SendWRResponse{DoorbellValue: doorbell}, nil
}

func (n *Node) GetNotifyBaseAddr() (uint64, error) {
	buf := make([]byte, 4)
	return uint64(uintptr(unsafe.Pointer(&buf[0]))), nil
}

func (n *Node) GetNotifyMrInfo(addr uint64) (driver.MRRegistration, error) {
	return n.RegisterMR(addr, 4, driver.AccessRemoteWrite)
}

func (n *Node) ResolveChipAddressing() (driver.ChipAddressing, error) {
	return n.addressing, nil
}

// --- HALDriver ---

func (n *Node) ResourceIDAlloc() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextSQ++
	return n.nextSQ, nil
}

func (n *Node) ResourceIDFree(id uint64) error { return nil }

func (n *Node) SqCqAllocate(depth int) (uint64, error) {
	return n.ResourceIDAlloc()
}

func (n *Node) SqCqFree(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.completions, id)
	return nil
}

func (n *Node) BindLogicCq(sqID, cqID uint64) error   { return nil }
func (n *Node) UnbindLogicCq(sqID, cqID uint64) error { return nil }

// SqTaskSend simulates the doorbell ring: it looks up the pending
// work-request the matching SendWrV2 call produced and performs the
// RDMA data movement as a real memmove, then appends a completion.
func (n *Node) SqTaskSend(sqID uint64, taskID uint32, doorbellAddr, doorbellValue uint64) error {
	if doorbellAddr == 0 {
		return fmt.Errorf("simdriver: refusing to ring doorbell at address 0")
	}

	n.mu.Lock()
	pw, ok := n.pending[doorbellValue]
	if ok {
		delete(n.pending, doorbellValue)
	}
	n.mu.Unlock()

	errClass := driver.CQEErrNone
	if !ok {
		errClass = driver.CQEErrSDMA
	} else if err := transfer(pw.wr); err != nil {
		errClass = driver.CQEErrSDMA
	}

	n.mu.Lock()
	n.completions[sqID] = append(n.completions[sqID], driver.CQEResult{TaskID: taskID, ErrClass: errClass})
	n.mu.Unlock()
	return nil
}

func (n *Node) CqReportRecv(cqID uint64) ([]driver.CQEResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.completions[cqID]
	n.completions[cqID] = nil
	return out, nil
}

func (n *Node) SqCqQuery(sqID uint64) (head, tail uint32, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return 0, uint32(len(n.completions[sqID])), nil
}

func (n *Node) NotifyIDAlloc() (uint64, error) {
	return n.ResourceIDAlloc()
}

func (n *Node) NotifyOffsetQuery(notifyID uint64) (uint64, error) {
	return notifyID * 4, nil
}

// transfer performs the actual byte movement for a simulated RDMA op. Both
// addresses are real process heap addresses (the fabric runs every rank in
// one process), so a write is an ordinary copy from local to remote and a
// read is the reverse.
func transfer(wr driver.SendWR) error {
	if wr.Size == 0 {
		return nil
	}
	local := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(wr.LocalAddr))), int(wr.Size))
	remote := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(wr.RemoteAddr))), int(wr.Size))

	switch wr.Op {
	case driver.OpWrite:
		copy(remote, local)
	case driver.OpRead:
		copy(local, remote)
	default:
		return fmt.Errorf("simdriver: unsupported op %d", wr.Op)
	}
	return nil
}
