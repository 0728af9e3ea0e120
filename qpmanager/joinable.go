package qpmanager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"bmft/internal/driver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/socketfabric"
)

// JoinableManager is the general variant (spec.md §4.2.3): peers may join
// or leave at any time. For rankId < self, this rank acts as client; for
// rankId > self, as server. Two background workers drive the FSM — one
// over client-side peers, one over server-side — matching the teacher's
// one-goroutine-per-queue pattern generalized to one-goroutine-per-role.
type JoinableManager struct {
	*base
	selfRankID int
}

// NewJoinableManager constructs a Joinable-variant manager.
func NewJoinableManager(nic driver.NICDriver, fabric *socketfabric.Fabric, mrs *mrtable.Table, logger *logging.Logger, selfRankID int, selfMr func() []mrtable.Region) *JoinableManager {
	if logger == nil {
		logger = logging.Default()
	}
	d := deps{nic: nic, fabric: fabric, mrs: mrs, logger: logger, selfID: selfRankID, selfMr: selfMr}
	return &JoinableManager{base: newBase(d, driver.QPModeStandard), selfRankID: selfRankID}
}

func isClientSide(ch *ConnectionChannel) bool { return ch.isClient }
func isServerSide(ch *ConnectionChannel) bool { return !ch.isClient }

func (m *JoinableManager) mergeRanks(ranks []RankInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range ranks {
		if r.RankID == m.selfRankID {
			continue
		}
		if existing, ok := m.peers[r.RankID]; ok && existing.State() != StateClosed {
			continue
		}
		isClient := r.RankID < m.selfRankID
		m.peers[r.RankID] = newChannel(r.RankID, r.Addr, isClient)
	}
}

func (m *JoinableManager) Prepare(ctx context.Context, ranks []RankInfo) error {
	m.mergeRanks(ranks)

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(workerCtx)
	m.g = g
	// Two background threads (client-side, server-side), each driving only
	// its own peer subset — spec.md §4.2.3's "wake on newServers_/
	// newClients_ change" becomes, in Go, two independent tickers over two
	// disjoint filtered views of the same peer map; no condition variable
	// is needed because stepAll's filter already recomputes the live
	// subset on every pass.
	g.Go(func() error {
		m.runWorker(gctx, "joinable-client", isClientSide)
		return nil
	})
	g.Go(func() error {
		m.runWorker(gctx, "joinable-server", isServerSide)
		return nil
	})
	return nil
}

func (m *JoinableManager) AsyncConnect() error {
	m.stepAll(nil)
	return nil
}

func (m *JoinableManager) WaitForConnected(ctx context.Context) error { return m.waitForConnected(ctx) }
func (m *JoinableManager) WaitQpReady(ctx context.Context) error      { return m.waitQpReady(ctx) }

// RemoveRanks drops the named peers and closes each one at once,
// destroying its QP and closing its socket whatever references taken by
// GetQpHandleWithRankId are still outstanding; it does not wait for the
// ref count to reach 0. Subsequent GetQpHandleWithRankId returns ok=false
// for them (spec.md §4.2.3).
func (m *JoinableManager) RemoveRanks(ranks []int) error { return m.removeRanks(ranks) }

// UpdateRankOptions is how new peers join or existing ones are confirmed
// gone: ranks present here and not yet known are added; callers combine
// this with RemoveRanks to express a leave.
func (m *JoinableManager) UpdateRankOptions(ctx context.Context, ranks []RankInfo) error {
	m.mergeRanks(ranks)
	return nil
}

func (m *JoinableManager) GetQpHandleWithRankId(rankID int) (driver.QPHandle, bool) {
	return m.getQpHandle(rankID)
}
func (m *JoinableManager) PutQpHandle(rankID int) { m.putQpHandle(rankID) }
func (m *JoinableManager) Shutdown() error        { return m.shutdown() }

var _ DeviceQpManager = (*JoinableManager)(nil)
