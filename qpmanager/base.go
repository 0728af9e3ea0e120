package qpmanager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bmft/internal/constants"
	"bmft/internal/driver"
)

// base implements the FSM pass loop, peer bookkeeping, and refcounting
// common to all three DeviceQpManager variants. Each variant embeds a base
// and supplies only how peers are classified client/server and which
// subset participates in a given pass — the same "shared engine, thin role
// wrapper" split the teacher uses between queue.Runner (mechanism) and the
// device bring-up code that decides how many queues to start.
type base struct {
	mu      sync.Mutex
	peers   map[int]*ConnectionChannel
	mode    driver.QPMode
	eng     *engine
	d       deps
	g      *errgroup.Group
	cancel context.CancelFunc
}

func newBase(d deps, mode driver.QPMode) *base {
	return &base{
		peers: make(map[int]*ConnectionChannel),
		mode:  mode,
		eng:   newEngine(d),
		d:     d,
	}
}

// runWorker starts the single background goroutine that repeatedly steps
// every non-terminal peer, stopping when ctx is cancelled. Fixed and
// Bipartite each call this once; Joinable calls it twice (client-side,
// server-side) with disjoint peer subsets.
func (b *base) runWorker(ctx context.Context, label string, filter func(*ConnectionChannel) bool) {
	b.d.logger.Debug("qpmanager: worker starting", "worker", label)
	defer b.d.logger.Debug("qpmanager: worker stopped", "worker", label)
	ticker := time.NewTicker(constants.BackoffQueryQpState)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.stepAll(filter)
		}
	}
}

func (b *base) stepAll(filter func(*ConnectionChannel) bool) {
	b.mu.Lock()
	channels := make([]*ConnectionChannel, 0, len(b.peers))
	for _, ch := range b.peers {
		if filter == nil || filter(ch) {
			channels = append(channels, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range channels {
		b.eng.step(ch, b.mode)
	}
}

func (b *base) waitForConnected(ctx context.Context) error {
	return b.waitUntil(ctx, func(s PeerState) bool { return s != StateUnknown })
}

func (b *base) waitQpReady(ctx context.Context) error {
	return b.waitUntil(ctx, func(s PeerState) bool { return s == StateOperational || s == StateClosed })
}

func (b *base) waitUntil(ctx context.Context, ok func(PeerState) bool) error {
	ticker := time.NewTicker(constants.WaitQpReadyPoll)
	defer ticker.Stop()
	for {
		if b.allSatisfy(ok) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *base) allSatisfy(ok func(PeerState) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.peers {
		if !ok(ch.State()) {
			return false
		}
	}
	return true
}

func (b *base) removeRanks(ranks []int) error {
	b.mu.Lock()
	var toClose []*ConnectionChannel
	for _, r := range ranks {
		if ch, ok := b.peers[r]; ok {
			toClose = append(toClose, ch)
			delete(b.peers, r)
		}
	}
	b.mu.Unlock()

	for _, ch := range toClose {
		b.eng.closePeer(ch)
	}
	return nil
}

func (b *base) getQpHandle(rankID int) (driver.QPHandle, bool) {
	b.mu.Lock()
	ch, ok := b.peers[rankID]
	b.mu.Unlock()
	if !ok {
		return 0, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateOperational {
		return 0, false
	}
	ch.refCount++
	return ch.qp, true
}

func (b *base) putQpHandle(rankID int) {
	b.mu.Lock()
	ch, ok := b.peers[rankID]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.refCount--
	dead := ch.refCount <= 0
	ch.mu.Unlock()
	if dead {
		b.eng.closePeer(ch)
	}
}

func (b *base) shutdown() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.g != nil {
		_ = b.g.Wait()
	}
	b.mu.Lock()
	channels := make([]*ConnectionChannel, 0, len(b.peers))
	for _, ch := range b.peers {
		channels = append(channels, ch)
	}
	b.peers = make(map[int]*ConnectionChannel)
	b.mu.Unlock()
	for _, ch := range channels {
		b.eng.closePeer(ch)
	}
	return nil
}
