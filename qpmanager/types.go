// Package qpmanager implements the QP-Connection Manager (spec.md §4.2): a
// per-peer connection state machine driving socket handshake → RDMA QP
// creation → QP activation → MR exchange, in three role variants (Fixed,
// Bipartite, Joinable) that share one FSM engine. Grounded on the teacher's
// internal/queue.Runner — the same "per-slot state, per-slot mutex,
// cooperative background loop" shape, generalized from ublk tags to peer
// ranks.
package qpmanager

import (
	"context"
	"net"
	"sync"

	"bmft/internal/driver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/socketfabric"
)

// PeerState mirrors spec.md §4.2's per-peer state progression.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateSocketPending
	StateSocketReady
	StateQpCreated
	StateQpConnecting
	StateQpReady
	StateOperational
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateSocketPending:
		return "SOCKET_PENDING"
	case StateSocketReady:
		return "SOCKET_READY"
	case StateQpCreated:
		return "QP_CREATED"
	case StateQpConnecting:
		return "QP_CONNECTING"
	case StateQpReady:
		return "QP_READY"
	case StateOperational:
		return "OPERATIONAL"
	case StateClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Role is a rank's declared part in the transport (spec.md §3 Transport
// Options).
type Role int

const (
	RolePeer Role = iota
	RoleSender
	RoleReceiver
)

// RankInfo is the peer-set entry the Transport Manager hands the FSM on
// Prepare/UpdateRankOptions (spec.md §4.1).
type RankInfo struct {
	RankID int
	Addr   *net.TCPAddr
	Role   Role
}

// ConnectionChannel is the FSM's backing store for one peer (spec.md §3
// "Connection Channel").
type ConnectionChannel struct {
	mu sync.Mutex

	rankID          int
	addr            *net.TCPAddr
	state           PeerState
	isClient        bool // this rank dials out to the peer
	socket          driver.SocketHandle
	qp              driver.QPHandle
	qpConnectCalled bool
	failedTimes     int
	refCount        int
}

func newChannel(rankID int, addr *net.TCPAddr, isClient bool) *ConnectionChannel {
	return &ConnectionChannel{rankID: rankID, addr: addr, isClient: isClient, state: StateUnknown, refCount: 1}
}

func (c *ConnectionChannel) State() PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceQpManager is the interface all three variants satisfy (spec.md
// §4.2, SPEC_FULL.md §4.2).
type DeviceQpManager interface {
	// Prepare records the peer set and starts the background worker(s).
	Prepare(ctx context.Context, ranks []RankInfo) error
	// AsyncConnect kicks the FSM's first pass without blocking.
	AsyncConnect() error
	// WaitForConnected blocks until every peer has left StateUnknown, or
	// ctx is done.
	WaitForConnected(ctx context.Context) error
	// WaitQpReady blocks until every peer is StateOperational or
	// StateClosed, or ctx is done (the Transport Manager supplies the BASE+PER_RANK budget as
	// ctx's deadline).
	WaitQpReady(ctx context.Context) error
	// RemoveRanks tears down the named peers' QPs and sockets.
	RemoveRanks(ranks []int) error
	// UpdateRankOptions merges a new peer set into the live FSM without
	// disturbing already-OPERATIONAL peers.
	UpdateRankOptions(ctx context.Context, ranks []RankInfo) error
	// GetQpHandleWithRankId returns the peer's QP handle, bumping its
	// refcount; ok is false if the peer is unknown or CLOSED.
	GetQpHandleWithRankId(rankID int) (driver.QPHandle, bool)
	// PutQpHandle releases a reference obtained via GetQpHandleWithRankId,
	// destroying the QP once the refcount reaches zero.
	PutQpHandle(rankID int)
	// Shutdown stops the background worker(s) and releases every peer.
	Shutdown() error
}

// deps bundles the collaborators every variant needs; kept unexported and
// constructed once by the package-level New* functions so variant structs
// stay small.
type deps struct {
	nic     driver.NICDriver
	fabric  *socketfabric.Fabric
	mrs     *mrtable.Table
	logger  *logging.Logger
	selfID  int
	selfMr  func() []mrtable.Region // snapshot of local MR table for MR exchange
}
