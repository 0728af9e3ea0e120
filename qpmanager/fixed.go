package qpmanager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"bmft/internal/driver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/socketfabric"
)

// FixedManager is the AI_CORE variant (spec.md §4.2.1): ranks are totally
// ordered by rankId, a higher rank always dials out to every lower rank,
// and once every peer reaches OPERATIONAL the manager guarantees every
// peer's QP handle and MR state are stable by the time WaitQpReady
// returns. Filling and copying the on-device AiQpRMAQueueInfo blob itself
// is NPU-side work neither FixedManager nor Transport performs in this
// tree — there is no on-NPU component here to hand it to, so it stays
// unimplemented rather than attributed to a Go-side owner that doesn't
// exist.
type FixedManager struct {
	*base
	selfRankID int
	rankCount  int
}

// NewFixedManager constructs a Fixed-variant manager bound to nic/fabric/
// mrs for rank selfRankID.
func NewFixedManager(nic driver.NICDriver, fabric *socketfabric.Fabric, mrs *mrtable.Table, logger *logging.Logger, selfRankID int, selfMr func() []mrtable.Region) *FixedManager {
	if logger == nil {
		logger = logging.Default()
	}
	d := deps{nic: nic, fabric: fabric, mrs: mrs, logger: logger, selfID: selfRankID, selfMr: selfMr}
	return &FixedManager{base: newBase(d, driver.QPModeAICore), selfRankID: selfRankID}
}

func (m *FixedManager) Prepare(ctx context.Context, ranks []RankInfo) error {
	m.rankCount = len(ranks)
	m.mu.Lock()
	for _, r := range ranks {
		if r.RankID == m.selfRankID {
			continue
		}
		// Higher rank connects as client to all lower ranks (spec.md
		// §4.2.1); a rank with lower rankId listens for higher ones.
		isClient := m.selfRankID > r.RankID
		if _, ok := m.peers[r.RankID]; !ok {
			m.peers[r.RankID] = newChannel(r.RankID, r.Addr, isClient)
		}
	}
	m.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(workerCtx)
	m.g = g
	g.Go(func() error {
		m.runWorker(gctx, "fixed", nil)
		return nil
	})
	return nil
}

func (m *FixedManager) AsyncConnect() error {
	m.stepAll(nil)
	return nil
}

func (m *FixedManager) WaitForConnected(ctx context.Context) error { return m.waitForConnected(ctx) }
func (m *FixedManager) WaitQpReady(ctx context.Context) error      { return m.waitQpReady(ctx) }
func (m *FixedManager) RemoveRanks(ranks []int) error              { return m.removeRanks(ranks) }

func (m *FixedManager) UpdateRankOptions(ctx context.Context, ranks []RankInfo) error {
	m.mu.Lock()
	for _, r := range ranks {
		if r.RankID == m.selfRankID {
			continue
		}
		if existing, ok := m.peers[r.RankID]; ok && existing.State() != StateClosed {
			continue
		}
		isClient := m.selfRankID > r.RankID
		m.peers[r.RankID] = newChannel(r.RankID, r.Addr, isClient)
	}
	m.mu.Unlock()
	return nil
}

func (m *FixedManager) GetQpHandleWithRankId(rankID int) (driver.QPHandle, bool) {
	return m.getQpHandle(rankID)
}
func (m *FixedManager) PutQpHandle(rankID int) { m.putQpHandle(rankID) }
func (m *FixedManager) Shutdown() error        { return m.shutdown() }

var _ DeviceQpManager = (*FixedManager)(nil)
