package qpmanager

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"bmft/internal/driver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/socketfabric"
)

// BipartiteManager is the SENDER/RECEIVER variant (spec.md §4.2.2):
// same-role peers are ignored, RECEIVER starts a listener and whitelist,
// SENDER connects. Supports concurrent add of peers after startup by
// diffing against the previously-seen peer set on every UpdateRankOptions
// call.
type BipartiteManager struct {
	*base
	selfRole Role
}

// NewBipartiteManager constructs a Bipartite-variant manager. selfRole must
// be RoleSender or RoleReceiver.
func NewBipartiteManager(nic driver.NICDriver, fabric *socketfabric.Fabric, mrs *mrtable.Table, logger *logging.Logger, selfRankID int, selfRole Role, selfMr func() []mrtable.Region) *BipartiteManager {
	if logger == nil {
		logger = logging.Default()
	}
	d := deps{nic: nic, fabric: fabric, mrs: mrs, logger: logger, selfID: selfRankID, selfMr: selfMr}
	return &BipartiteManager{base: newBase(d, driver.QPModeStandard), selfRole: selfRole}
}

// Listen starts the RECEIVER-side listener and is a no-op for SENDER.
func (m *BipartiteManager) Listen(ctx context.Context, laddr *net.TCPAddr) error {
	if m.selfRole != RoleReceiver {
		return nil
	}
	return m.d.fabric.Listen(ctx, laddr)
}

func (m *BipartiteManager) mergeRanks(ranks []RankInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range ranks {
		if r.RankID == m.d.selfID || r.Role == m.selfRole {
			continue // same-role peers are ignored (spec.md §4.2.2)
		}
		if existing, ok := m.peers[r.RankID]; ok && existing.State() != StateClosed {
			continue
		}
		// SENDER dials out; RECEIVER waits for the SENDER to connect in.
		isClient := m.selfRole == RoleSender
		m.peers[r.RankID] = newChannel(r.RankID, r.Addr, isClient)
	}
}

func (m *BipartiteManager) Prepare(ctx context.Context, ranks []RankInfo) error {
	m.mergeRanks(ranks)

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(workerCtx)
	m.g = g
	g.Go(func() error {
		m.runWorker(gctx, "bipartite", nil)
		return nil
	})
	return nil
}

func (m *BipartiteManager) AsyncConnect() error {
	m.stepAll(nil)
	return nil
}

func (m *BipartiteManager) WaitForConnected(ctx context.Context) error { return m.waitForConnected(ctx) }
func (m *BipartiteManager) WaitQpReady(ctx context.Context) error      { return m.waitQpReady(ctx) }
func (m *BipartiteManager) RemoveRanks(ranks []int) error              { return m.removeRanks(ranks) }

// UpdateRankOptions diffs ranks against the live peer set and admits only
// the new entries, leaving already-OPERATIONAL peers and their QPs
// untouched (spec.md §4.2.2 "supports concurrent add of peers after
// startup").
func (m *BipartiteManager) UpdateRankOptions(ctx context.Context, ranks []RankInfo) error {
	m.mergeRanks(ranks)
	return nil
}

func (m *BipartiteManager) GetQpHandleWithRankId(rankID int) (driver.QPHandle, bool) {
	return m.getQpHandle(rankID)
}
func (m *BipartiteManager) PutQpHandle(rankID int) { m.putQpHandle(rankID) }
func (m *BipartiteManager) Shutdown() error        { return m.shutdown() }

var _ DeviceQpManager = (*BipartiteManager)(nil)
