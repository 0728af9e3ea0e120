// Package socketfabric is the control-plane socket layer the QP-Connection
// Manager drives through its FSM passes (spec.md §4.2): start/stop a
// listener, whitelist peers allowed to connect in, batch-connect outbound in
// fixed-width groups, and hand back the resulting socket handles. It is
// grounded on the teacher's internal/ctrl.Controller — same "one fd-owning
// struct wrapping a narrow hardware surface, every call logged and
// error-wrapped with enough context to retry" shape, adapted from a single
// ioctl control plane to the fabric's many-peer socket bookkeeping.
package socketfabric

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"bmft/internal/constants"
	"bmft/internal/driver"
	"bmft/internal/logging"
)

// Fabric owns one rank's socket lifecycle: a single inbound listener plus
// the whitelist and outbound connections to every peer it has been told
// about. One Fabric is shared by all QP-Connection Manager variants the way
// the teacher's Controller is shared by every queue on a device.
type Fabric struct {
	mu       sync.Mutex
	nic      driver.NICDriver
	logger   *logging.Logger
	listener net.Listener

	// sockets indexes the handles GetSockets would otherwise have to
	// re-derive from the NIC driver every call.
	sockets map[int][]driver.SocketHandle
}

// New binds a Fabric to nic. The listener is not started until Listen is
// called, matching the FSM's "server variant starts a listener and a
// whitelist" ordering (spec.md §4.2.2).
func New(nic driver.NICDriver, logger *logging.Logger) *Fabric {
	if logger == nil {
		logger = logging.Default()
	}
	return &Fabric{
		nic:     nic,
		logger:  logger,
		sockets: make(map[int][]driver.SocketHandle),
	}
}

// Listen starts accepting inbound connections on laddr. Calling Listen
// twice without an intervening Close replaces the prior listener, closing
// it first.
func (f *Fabric) Listen(ctx context.Context, laddr *net.TCPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		_ = f.nic.SocketListenStop(f.listener)
		f.listener = nil
	}
	l, err := f.nic.SocketListenStart(ctx, laddr)
	if err != nil {
		return errors.Wrap(err, "socketfabric: listen start")
	}
	f.listener = l
	return nil
}

// Close tears down the listener, if any.
func (f *Fabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	err := f.nic.SocketListenStop(f.listener)
	f.listener = nil
	return err
}

// WhitelistAdd admits rankID to connect in on raddr, retrying with the FSM's
// 1s whitelist-add backoff (spec.md §4.2 "Backoff schedule") until ctx is
// done. correlationID lets the caller fold this attempt into the same log
// trace as the rest of a peer's bring-up sequence.
func (f *Fabric) WhitelistAdd(ctx context.Context, rankID int, raddr *net.TCPAddr) error {
	corrID := uuid.New().String()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := f.nic.SocketWhiteListAdd(rankID, raddr); err != nil {
			lastErr = errors.Wrapf(err, "socketfabric: whitelist add rank=%d attempt=%d", rankID, attempt)
			f.logger.Warn("whitelist add failed, will retry",
				"rank_id", rankID, "attempt", attempt, "correlation_id", corrID, "err", err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(constants.BackoffWhitelistAdd):
				continue
			}
		}
		f.logger.Debug("whitelist add ok", "rank_id", rankID, "correlation_id", corrID)
		return nil
	}
}

// WhitelistDel revokes rankID's standing invitation to connect in.
func (f *Fabric) WhitelistDel(rankID int) error {
	if err := f.nic.SocketWhiteListDel(rankID); err != nil {
		return errors.Wrapf(err, "socketfabric: whitelist del rank=%d", rankID)
	}
	return nil
}

// ConnectTarget pairs a peer rank with the address the Fabric should dial.
type ConnectTarget struct {
	RankID int
	Addr   *net.TCPAddr
}

// ConnectResult is one target's outcome.
type ConnectResult struct {
	RankID int
	Handle driver.SocketHandle
	Err    error
}

// BatchConnect dials every target in groups of constants.BatchConnectWidth
// concurrently (spec.md §4.2.2 "Batched RaSocketBatchConnect in groups of
// 16"), retrying each failed group member on the 5s batch-connect backoff
// until ctx is done. Results preserve targets' input order regardless of
// which group a target landed in.
func (f *Fabric) BatchConnect(ctx context.Context, targets []ConnectTarget) []ConnectResult {
	results := make([]ConnectResult, len(targets))
	for start := 0; start < len(targets); start += constants.BatchConnectWidth {
		end := start + constants.BatchConnectWidth
		if end > len(targets) {
			end = len(targets)
		}
		group := targets[start:end]
		raddrs := make([]*net.TCPAddr, len(group))
		for i, t := range group {
			raddrs[i] = t.Addr
		}

		handles, errs := f.connectGroupWithRetry(ctx, raddrs)
		for i, t := range group {
			results[start+i] = ConnectResult{RankID: t.RankID, Handle: handles[i], Err: errs[i]}
			if errs[i] == nil {
				f.recordSocket(t.RankID, handles[i])
			}
		}
	}
	return results
}

// connectGroupWithRetry drives one batch through SocketBatchConnect,
// re-dialing only the members that failed on the prior pass, sleeping the
// FSM's batch-connect backoff between passes.
func (f *Fabric) connectGroupWithRetry(ctx context.Context, raddrs []*net.TCPAddr) ([]driver.SocketHandle, []error) {
	handles := make([]driver.SocketHandle, len(raddrs))
	errs := make([]error, len(raddrs))
	pending := make([]int, len(raddrs))
	for i := range raddrs {
		pending[i] = i
		errs[i] = errors.New("socketfabric: not attempted")
	}

	for len(pending) > 0 {
		retryAddrs := make([]*net.TCPAddr, len(pending))
		for i, idx := range pending {
			retryAddrs[i] = raddrs[idx]
		}

		got, gotErrs := f.nic.SocketBatchConnect(ctx, retryAddrs)

		var next []int
		for i, idx := range pending {
			if gotErrs[i] != nil {
				errs[idx] = errors.Wrap(gotErrs[i], "socketfabric: batch connect")
				next = append(next, idx)
				continue
			}
			handles[idx] = got[i]
			errs[idx] = nil
		}
		pending = next
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			for _, idx := range pending {
				errs[idx] = errors.Wrap(ctx.Err(), "socketfabric: batch connect abandoned")
			}
			return handles, errs
		case <-time.After(constants.BackoffBatchConnect):
		}
	}
	return handles, errs
}

// BatchConnectParallel is the errgroup-based sibling of BatchConnect used
// when the caller already knows every target will succeed or fail once
// (e.g. a first bring-up pass with no prior whitelist churn) and wants the
// groups themselves, not just their members, dispatched concurrently.
func (f *Fabric) BatchConnectParallel(ctx context.Context, groups [][]ConnectTarget) ([][]ConnectResult, error) {
	out := make([][]ConnectResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.BatchConnectWidth)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			out[i] = f.BatchConnect(gctx, group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "socketfabric: batch connect parallel")
	}
	return out, nil
}

// CloseSockets releases a set of connected-out handles, e.g. after a peer
// is removed from the fabric (spec.md §4.2.3 "removal ... closes its
// socket").
func (f *Fabric) CloseSockets(handles []driver.SocketHandle) error {
	if len(handles) == 0 {
		return nil
	}
	if err := f.nic.SocketBatchClose(handles); err != nil {
		return errors.Wrap(err, "socketfabric: batch close")
	}
	return nil
}

// Sockets returns the handles this Fabric has recorded as connected for
// rankID, consulting the NIC driver's own bookkeeping as a fallback.
func (f *Fabric) Sockets(rankID int) ([]driver.SocketHandle, error) {
	f.mu.Lock()
	local := f.sockets[rankID]
	f.mu.Unlock()
	if len(local) > 0 {
		return local, nil
	}
	handles, err := f.nic.GetSockets(rankID)
	if err != nil {
		return nil, errors.Wrapf(err, "socketfabric: get sockets rank=%d", rankID)
	}
	return handles, nil
}

// DropRank forgets rankID's recorded sockets and revokes its whitelist
// entry, used together by the Joinable variant's removal path.
func (f *Fabric) DropRank(rankID int) {
	f.mu.Lock()
	delete(f.sockets, rankID)
	f.mu.Unlock()
	_ = f.WhitelistDel(rankID)
}

func (f *Fabric) recordSocket(rankID int, handle driver.SocketHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sockets[rankID] = append(f.sockets[rankID], handle)
}
