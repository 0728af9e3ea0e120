package driver

import (
	"context"
	"net"
)

// SocketHandle and QPHandle are opaque handles into the NIC driver's own
// bookkeeping; BMF-T never dereferences them, only passes them back.
type SocketHandle uint64
type QPHandle uint64

// SendWR describes a single send work-request (spec.md §4.6 step 1).
type SendWR struct {
	LocalAddr  uint64
	Size       uint32
	LKey       uint32
	RemoteAddr uint64
	RKey       uint32
	Op         Op
	Flags      WrFlag
}

// SendWRResponse carries the doorbell word the NIC produced for a send_wr_v2
// call (spec.md §4.6 step 2).
type SendWRResponse struct {
	DoorbellValue uint64
}

// MRRegistration is what RaRegisterMR/RaMrReg returns: the lkey/rkey pair
// for a freshly registered region.
type MRRegistration struct {
	LKey uint32
	RKey uint32
}

// ChipAddressing is resolved once at OpenDevice (spec.md §4.6) and cached.
type ChipAddressing struct {
	ChipID     uint64
	DieID      uint64
	ChipOffset uint64
	DieOffset  uint64
	ChipAddr   uint64
}

// DoorbellAddress computes the host-visible doorbell register address from
// the resolved chip/die addressing (spec.md §4.6 step 3). Returns 0 when
// addressing hasn't been resolved, which callers must treat as fail-closed.
func (c ChipAddressing) DoorbellAddress() uint64 {
	if c.ChipOffset == 0 && c.DieOffset == 0 && c.ChipAddr == 0 {
		return 0
	}
	return ROCEEBase + ROCEEVFDBCfg0 + c.ChipOffset*c.ChipID + c.DieOffset*c.DieID + c.ChipAddr
}

// NICDriver is the opaque RDMA NIC surface named in spec.md §6. A
// production binding talks to the vendor driver; `simdriver` provides an
// in-memory reference implementation for tests.
type NICDriver interface {
	// Init performs the process-wide, idempotent RDMA library bring-up
	// (RaInit/RaRdevInit/RaRdevGetHandle).
	Init(ctx context.Context) error

	// Socket fabric primitives.
	SocketListenStart(ctx context.Context, laddr *net.TCPAddr) (net.Listener, error)
	SocketListenStop(l net.Listener) error
	SocketBatchConnect(ctx context.Context, raddrs []*net.TCPAddr) ([]SocketHandle, []error)
	SocketBatchClose(handles []SocketHandle) error
	SocketWhiteListAdd(rankID int, raddr *net.TCPAddr) error
	SocketWhiteListDel(rankID int) error
	GetSockets(rankID int) ([]SocketHandle, error)

	// QP lifecycle.
	QpCreate(mode QPMode) (QPHandle, error)
	QpAiCreate(mode QPMode) (QPHandle, error)
	QpDestroy(qp QPHandle) error
	GetQpStatus(qp QPHandle) (QPStatus, error)
	QpConnectAsync(qp QPHandle, sock SocketHandle) error

	// Memory region registration.
	RegisterMR(addr uint64, size uint64, access AccessFlag) (MRRegistration, error)
	DeregisterMR(reg MRRegistration) error

	// Work-request submission (spec.md §4.6 step 2).
	SendWrV2(qp QPHandle, wr SendWR) (SendWRResponse, error)

	// Notify word support.
	GetNotifyBaseAddr() (uint64, error)
	GetNotifyMrInfo(addr uint64) (MRRegistration, error)

	// Chip/die addressing for doorbell construction (resolved once).
	ResolveChipAddressing() (ChipAddressing, error)
}

// HALDriver is the opaque submission-queue/HAL surface named in spec.md §6.
type HALDriver interface {
	ResourceIDAlloc() (uint64, error)
	ResourceIDFree(id uint64) error
	SqCqAllocate(depth int) (uint64, error)
	SqCqFree(id uint64) error
	BindLogicCq(sqID, cqID uint64) error
	UnbindLogicCq(sqID, cqID uint64) error

	// SqTaskSend rings the doorbell for a single SQE (spec.md §4.6 step 4).
	// taskID is the host-side ring slot the eventual CQE must report back
	// against; it never crosses the wire, only doorbellAddr/doorbellValue
	// does — but the opaque HAL still needs it to correlate a completion
	// with the SQE that produced it.
	SqTaskSend(sqID uint64, taskID uint32, doorbellAddr, doorbellValue uint64) error

	// CqReportRecv/SqCqQuery service the completion side of Synchronize.
	CqReportRecv(cqID uint64) ([]CQEResult, error)
	SqCqQuery(sqID uint64) (head, tail uint32, err error)

	NotifyIDAlloc() (uint64, error)
	NotifyOffsetQuery(notifyID uint64) (uint64, error)
}

// CQEResult is a single completion, surfaced with its error classification
// (spec.md §4.4: "Surface CQE error codes").
type CQEResult struct {
	TaskID   uint32
	ErrClass CQEErrorClass
}

// Observer receives transport-level metrics callbacks; implementations must
// be safe for concurrent use since they are invoked from FSM workers and
// from the caller's own goroutine.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveSynchronize(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
