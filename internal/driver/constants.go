// Package driver defines the opaque NIC/HAL surface BMF-T depends on
// (spec.md §6): the RDMA queue-pair driver and the hardware
// submission-queue/doorbell HAL. Both are interfaces here; this module
// carries no concrete hardware binding, and `simdriver` provides an
// in-memory reference implementation used by every test that needs a NIC
// or HAL.
package driver

// Access flags for a memory region (spec.md §3).
type AccessFlag uint32

const (
	AccessLocalWrite AccessFlag = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessReduce
)

// RegionFlag describes the backing of a memory region (spec.md §3).
type RegionFlag uint32

const (
	FlagDRAM RegionFlag = 1 << iota
	FlagHostReg
	FlagSelf
)

// Op is the RDMA work-request opcode (spec.md §4.1).
type Op uint8

const (
	OpWrite Op = 0
	OpRead  Op = 4
)

// WrFlag are send_wr_v2 flags (spec.md §4.6).
type WrFlag uint32

const (
	FlagSignaled WrFlag = 1 << 0
	FlagFence    WrFlag = 1 << 1
)

// QPStatus mirrors RaGetQpStatus's result (spec.md §4.2): only StatusReady
// means the QP may carry traffic.
type QPStatus int32

const (
	StatusUninit     QPStatus = -1
	StatusConnecting QPStatus = 0
	StatusReady      QPStatus = 1
)

// QPMode selects the RaQpCreate mode (spec.md §4.2: "qpMode=2 in
// Bipartite/Joinable, with AI-core mode in Fixed using extended attributes").
type QPMode int

const (
	QPModeAICore QPMode = 1
	QPModeStandard QPMode = 2
)

// CQE error categories (spec.md §4.4: "Surface CQE error codes").
type CQEErrorClass string

const (
	CQEErrNone    CQEErrorClass = ""
	CQEErrSDMA    CQEErrorClass = "sdma"
	CQEErrFetch   CQEErrorClass = "fetch"
	CQEErrReduce  CQEErrorClass = "reduce"
	CQEErrDataNaN CQEErrorClass = "data_nan"
	// CQEErrInvalid marks an SQE that was never submitted to hardware
	// because its doorbell address resolved to 0 (spec.md §4.6 fail-closed
	// rule) — synthesized locally by the stream package, never produced
	// by a driver.
	CQEErrInvalid CQEErrorClass = "invalid_sqe"
)

// SQE sub-type for the doorbell ring (spec.md §4.6).
type SQESubType uint8

const (
	SQESubTypeRDMADBSend SQESubType = 1
)

// DoorbellSizeClass matches the Stars WriteValue size class (spec.md §4.6).
type DoorbellSizeClass uint8

const (
	DoorbellSize64Bit DoorbellSizeClass = 64
)

// MRMaxNum and slot 0 reservation (spec.md §4.2 "MR REGISTRATION PROTOCOL").
const (
	MRMaxNum        = 64
	MRReservedSlot0 = 0
)

// ROCEE base addressing constants (spec.md §4.6). These are resolved once
// per device at OpenDevice time via chip-info queries; the values here are
// the formula's structural constants, not a specific chip's numbers.
const (
	ROCEEBase      = uint64(0x00000000_40000000)
	ROCEEVFDBCfg0  = uint64(0x4000)
)
