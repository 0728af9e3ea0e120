package qpmanager

import (
	"context"

	"github.com/pkg/errors"

	"bmft/internal/driver"
	"bmft/socketfabric"
)

// engine drives one FSM pass over a single peer's ConnectionChannel,
// shared by Fixed/Bipartite/Joinable (spec.md §4.2 "Transitions and edge
// policies (apply to all variants)"). Each variant supplies the driver
// handles and decides when/whether a given peer participates in a pass;
// the per-peer transition logic itself never varies by role.
type engine struct {
	d deps
}

func newEngine(d deps) *engine { return &engine{d: d} }

// step advances ch by at most one state transition. It never blocks on
// hardware beyond the single call each state requires; callers re-invoke
// step on every pass until the peer reaches StateOperational or StateClosed.
func (e *engine) step(ch *ConnectionChannel, mode driver.QPMode) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == StateOperational || ch.state == StateClosed {
		return
	}

	switch ch.state {
	case StateUnknown:
		e.enterSocketPending(ch)
	case StateSocketPending:
		e.pollSocketReady(ch)
	case StateSocketReady:
		e.createQp(ch, mode)
	case StateQpCreated:
		e.connectQpAsync(ch)
	case StateQpConnecting:
		e.pollQpReady(ch)
	case StateQpReady:
		e.exchangeMr(ch)
	}
}

func (e *engine) onSocketFailure(ch *ConnectionChannel, err error) {
	ch.failedTimes++
	e.d.logger.Warn("qpmanager: socket op failed, will retry",
		"rank_id", ch.rankID, "failed_times", ch.failedTimes, "err", err)
}

func (e *engine) enterSocketPending(ch *ConnectionChannel) {
	if ch.isClient {
		targets := []socketfabric.ConnectTarget{{RankID: ch.rankID, Addr: ch.addr}}
		results := e.d.fabric.BatchConnect(context.Background(), targets)
		if len(results) != 1 || results[0].Err != nil {
			var err error
			if len(results) == 1 {
				err = results[0].Err
			} else {
				err = errors.New("qpmanager: empty batch connect result")
			}
			e.onSocketFailure(ch, errors.Wrapf(err, "client connect rank=%d", ch.rankID))
			return
		}
		ch.socket = results[0].Handle
		ch.failedTimes = 0
		ch.state = StateSocketReady
		return
	}

	if err := e.d.fabric.WhitelistAdd(context.Background(), ch.rankID, ch.addr); err != nil {
		e.onSocketFailure(ch, errors.Wrapf(err, "whitelist add rank=%d", ch.rankID))
		return
	}
	ch.failedTimes = 0
	ch.state = StateSocketPending
}

// pollSocketReady is only reached for server-side peers: the client side
// already has a handle the moment enterSocketPending succeeds.
func (e *engine) pollSocketReady(ch *ConnectionChannel) {
	sockets, err := e.d.fabric.Sockets(ch.rankID)
	if err != nil {
		e.onSocketFailure(ch, errors.Wrapf(err, "get sockets rank=%d", ch.rankID))
		return
	}
	if len(sockets) == 0 {
		return // still waiting for the peer to dial in
	}
	ch.socket = sockets[len(sockets)-1]
	ch.state = StateSocketReady
}

func (e *engine) createQp(ch *ConnectionChannel, mode driver.QPMode) {
	var qp driver.QPHandle
	var err error
	if mode == driver.QPModeAICore {
		qp, err = e.d.nic.QpAiCreate(mode)
	} else {
		qp, err = e.d.nic.QpCreate(mode)
	}
	if err != nil {
		e.onSocketFailure(ch, errors.Wrapf(err, "qp create rank=%d", ch.rankID))
		return
	}
	ch.qp = qp
	ch.qpConnectCalled = false
	ch.state = StateQpCreated
}

func (e *engine) connectQpAsync(ch *ConnectionChannel) {
	if err := e.d.nic.QpConnectAsync(ch.qp, ch.socket); err != nil {
		e.onSocketFailure(ch, errors.Wrapf(err, "qp connect async rank=%d", ch.rankID))
		return
	}
	ch.qpConnectCalled = true
	ch.state = StateQpConnecting
}

func (e *engine) pollQpReady(ch *ConnectionChannel) {
	status, err := e.d.nic.GetQpStatus(ch.qp)
	if err != nil {
		e.onSocketFailure(ch, errors.Wrapf(err, "get qp status rank=%d", ch.rankID))
		return
	}
	if status != driver.StatusReady {
		return // re-queue; only status==1 means ready (spec.md §4.2)
	}
	ch.state = StateQpReady
}

// exchangeMr marks the peer OPERATIONAL once its MR state is ready to
// drive the data path (spec.md §4.2 "MR REGISTRATION PROTOCOL"). The local
// MR snapshot and the peer's remote MR slice both already live in
// mrtable.Table — the same structure Transport.WriteRemote/ReadRemote
// consult via Lookup — and mrtable.Table.Register/PeerRegions.Register
// enforce the MRMaxNum-1 slot cap at registration time, so there is
// nothing left for the QP-Connection Manager to copy or truncate here; it
// only logs the counts it is handing off to the data path.
func (e *engine) exchangeMr(ch *ConnectionChannel) {
	var localCount int
	if e.d.selfMr != nil {
		localCount = len(e.d.selfMr())
	}
	remoteCount := e.d.mrs.Peer(ch.rankID).Len()
	e.d.logger.Debug("qpmanager: mr exchange", "rank_id", ch.rankID, "local_mr_count", localCount, "remote_mr_count", remoteCount)
	ch.state = StateOperational
}

// closePeer destroys ch's QP and releases its socket, marking it CLOSED
// (spec.md §4.2.3 "removal destroys the peer's QP ... and closes its
// socket"). Safe to call on a peer that never got past StateUnknown.
func (e *engine) closePeer(ch *ConnectionChannel) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == StateClosed {
		return
	}
	if ch.qp != 0 {
		if err := e.d.nic.QpDestroy(ch.qp); err != nil {
			e.d.logger.Warn("qpmanager: qp destroy failed", "rank_id", ch.rankID, "err", err)
		}
	}
	if ch.socket != 0 {
		_ = e.d.fabric.CloseSockets([]driver.SocketHandle{ch.socket})
	}
	_ = e.d.fabric.WhitelistDel(ch.rankID)
	e.d.mrs.DropPeer(ch.rankID)
	ch.state = StateClosed
}
