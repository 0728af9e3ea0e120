package bmft

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"bmft/address"
	"bmft/internal/driver"
	"bmft/internal/logging"
	"bmft/mrtable"
	"bmft/notify"
	"bmft/qpmanager"
	"bmft/socketfabric"
	"bmft/stream"
)

// Role names a rank's declared part in the transport (spec.md §3 Transport
// Options); an alias of qpmanager.Role so callers never import qpmanager
// directly just to pass a role.
type Role = qpmanager.Role

const (
	RolePeer     = qpmanager.RolePeer
	RoleSender   = qpmanager.RoleSender
	RoleReceiver = qpmanager.RoleReceiver
)

// InitialType selects which QP-Connection Manager variant OpenDevice
// constructs (spec.md §3, §4.1).
type InitialType int

const (
	InitialTypeHost InitialType = iota
	InitialTypeAICore
)

// Options are the Transport Options of spec.md §3, plus the ambient
// additions SPEC_FULL.md §4.1 calls for (ublk.Options{Context, Logger,
// Observer} generalized with a driver pair, since BMF-T's hardware surface
// is an injected interface rather than a kernel device node).
type Options struct {
	RankID      int
	RankCount   int
	NIC         string
	Role        Role
	InitialType InitialType

	Context  context.Context
	Logger   *logging.Logger
	Observer driver.Observer
	Metrics  *Metrics

	// NICDriver/HALDriver are the opaque hardware surfaces of spec.md §6.
	// Production binds a vendor driver; tests use simdriver.Node for both.
	NICDriver driver.NICDriver
	HALDriver driver.HALDriver
}

// DefaultOptions returns sensible defaults; callers still must fill in
// RankID, RankCount, NIC and the driver pair.
func DefaultOptions() *Options {
	return &Options{
		Role:        RolePeer,
		InitialType: InitialTypeHost,
		Context:     context.Background(),
		Logger:      logging.Default(),
	}
}

// RankEndpoint is one peer's resolved address, the shape Prepare/Connect/
// UpdateRankOptions take (spec.md §4.1 "forwards rank-info map").
type RankEndpoint struct {
	RankID int
	NIC    string
	Role   Role
}

// MemoryRegionSpec is the caller-supplied shape of a Memory Region
// (spec.md §3) before it gains driver-assigned keys.
type MemoryRegionSpec struct {
	Address uint64
	Size    uint64
	Access  driver.AccessFlag
	Flags   driver.RegionFlag
}

// streamBundle pairs a submission stream with the notify object bound to
// it 1:1 (spec.md §4.5).
type streamBundle struct {
	stream *stream.Stream
	notify *notify.StreamNotify
}

// Transport is the per-rank facade of spec.md §4.1 / SPEC_FULL.md §4.1 —
// the only public surface, the analogue of the teacher's *Device.
type Transport struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	nic driver.NICDriver
	hal driver.HALDriver

	fabric     *socketfabric.Fabric
	qpm        qpmanager.DeviceQpManager
	mrs        *mrtable.Table
	addressing driver.ChipAddressing
	doorbellAddr uint64

	notifyRegAddr uint64
	notifyAddr    uint64
	notifyLKey    uint32
	notifyRKey    uint32

	observer driver.Observer
	logger   *logging.Logger

	streamSeq     atomic.Uint32
	streamsMu     sync.Mutex
	streams       map[uint32]*streamBundle
	defaultBundle *streamBundle

	// lastErr is the thread-local (here: handle-local, since Go has no
	// portable TLS) last-error slot of spec.md §7.
	lastErr atomic.Pointer[Error]

	closed atomic.Bool
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// OpenDevice implements spec.md §4.1's OpenDevice: parses the NIC, resolves
// chip/die doorbell addressing once, allocates the per-stream notify
// buffer, and constructs the role-appropriate QP-Connection Manager.
func OpenDevice(opts *Options) (*Transport, error) {
	if opts == nil {
		return nil, NewError("OpenDevice", CodeInvalidParam, "nil options")
	}
	if opts.RankCount <= 0 || opts.RankID < 0 || opts.RankID >= opts.RankCount {
		return nil, NewRankError("OpenDevice", opts.RankID, CodeInvalidParam, "rankId must be in [0, rankCount)")
	}
	if opts.InitialType == InitialTypeAICore && !isPowerOfTwo(opts.RankCount) {
		return nil, NewRankError("OpenDevice", opts.RankID, CodeInvalidParam, "rankCount must be a power of two for the Fixed (AI_CORE) variant")
	}
	if opts.NICDriver == nil || opts.HALDriver == nil {
		return nil, NewRankError("OpenDevice", opts.RankID, CodeInvalidParam, "NICDriver and HALDriver must be supplied")
	}

	nicAddr, err := address.Parse(opts.NIC)
	if err != nil {
		return nil, NewRankError("OpenDevice", opts.RankID, CodeInvalidParam, err.Error())
	}
	if nicAddr.Port == 0 {
		return nil, NewRankError("OpenDevice", opts.RankID, CodeInvalidParam, "NIC port must be nonzero")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}

	// RaInit/RaRdevInit/RaRdevGetHandle: process-wide, idempotent bring-up
	// (spec.md §4.1, §5 "global init flags").
	if err := opts.NICDriver.Init(parent); err != nil {
		return nil, WrapError("OpenDevice", opts.RankID, err)
	}

	addressing, err := opts.NICDriver.ResolveChipAddressing()
	if err != nil {
		return nil, WrapError("OpenDevice", opts.RankID, err)
	}

	notifyBase, err := opts.NICDriver.GetNotifyBaseAddr()
	if err != nil {
		return nil, WrapError("OpenDevice", opts.RankID, err)
	}
	notifyReg, err := opts.NICDriver.GetNotifyMrInfo(notifyBase)
	if err != nil {
		return nil, WrapError("OpenDevice", opts.RankID, err)
	}

	fabric := socketfabric.New(opts.NICDriver, logger)
	mrs := mrtable.New()

	var qpm qpmanager.DeviceQpManager
	switch {
	case opts.InitialType == InitialTypeAICore:
		qpm = qpmanager.NewFixedManager(opts.NICDriver, fabric, mrs, logger, opts.RankID, mrs.LocalRegions)
	case opts.Role == RoleSender || opts.Role == RoleReceiver:
		qpm = qpmanager.NewBipartiteManager(opts.NICDriver, fabric, mrs, logger, opts.RankID, opts.Role, mrs.LocalRegions)
	default:
		qpm = qpmanager.NewJoinableManager(opts.NICDriver, fabric, mrs, logger, opts.RankID, mrs.LocalRegions)
	}

	observer := opts.Observer
	if observer == nil && opts.Metrics != nil {
		observer = NewMetricsObserver(opts.Metrics)
	}
	if observer == nil {
		observer = NoOpObserver{}
	}

	ctx, cancel := context.WithCancel(parent)

	return &Transport{
		opts:          *opts,
		ctx:           ctx,
		cancel:        cancel,
		nic:           opts.NICDriver,
		hal:           opts.HALDriver,
		fabric:        fabric,
		qpm:           qpm,
		mrs:           mrs,
		addressing:    addressing,
		doorbellAddr:  addressing.DoorbellAddress(),
		notifyRegAddr: notifyBase,
		notifyAddr:    notifyBase,
		notifyLKey:    notifyReg.LKey,
		notifyRKey:    notifyReg.RKey,
		observer:      observer,
		logger:        logger,
		streams:       make(map[uint32]*streamBundle),
	}, nil
}

func (t *Transport) fail(err *Error) error {
	if err == nil {
		return nil
	}
	t.lastErr.Store(err)
	return err
}

// LastError returns the most recent structured error recorded against this
// handle, or nil (spec.md §7 "thread-local last-error message").
func (t *Transport) LastError() *Error { return t.lastErr.Load() }

// ClearLastError discards the recorded last error.
func (t *Transport) ClearLastError() { t.lastErr.Store(nil) }

// RegisterMemoryRegion implements spec.md §4.1: optionally host-pins the
// region, registers it with the NIC driver for an lkey/rkey pair, and
// records it in the local MR table keyed by address.
func (t *Transport) RegisterMemoryRegion(mr MemoryRegionSpec) error {
	if t.closed.Load() {
		return t.fail(NewError("RegisterMemoryRegion", CodeNotInitialized, "transport closed"))
	}
	if mr.Size == 0 {
		return t.fail(NewRankError("RegisterMemoryRegion", t.opts.RankID, CodeInvalidParam, "zero-size region"))
	}

	pinned := false
	var pinBuf []byte
	if mr.Flags&driver.FlagHostReg != 0 {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(mr.Address))), int(mr.Size))
		// Per the Open Question decision in SPEC_FULL.md: a failing host-pin
		// logs and continues unpinned rather than failing registration.
		if err := mrtable.HostRegister(buf); err != nil {
			t.logger.Warn("RegisterMemoryRegion: host pin failed, continuing unpinned",
				"rank_id", t.opts.RankID, "addr", mr.Address, "err", err)
		} else {
			pinned = true
			pinBuf = buf
		}
	}

	reg, err := t.nic.RegisterMR(mr.Address, mr.Size, mr.Access)
	if err != nil {
		if pinned {
			_ = mrtable.HostUnregister(pinBuf)
		}
		return t.fail(WrapError("RegisterMemoryRegion", t.opts.RankID, err))
	}

	region := &mrtable.Region{
		Address:    mr.Address,
		Size:       mr.Size,
		RegAddress: mr.Address,
		LKey:       reg.LKey,
		RKey:       reg.RKey,
		Access:     mr.Access,
		Flags:      mr.Flags,
		NotifyRKey: t.notifyRKey,
		NotifyAddr: t.notifyAddr,
	}
	region.MarkPinned(pinned)

	if err := t.mrs.Register(region); err != nil {
		if pinned {
			_ = mrtable.HostUnregister(pinBuf)
		}
		return t.fail(NewRankError("RegisterMemoryRegion", t.opts.RankID, CodeInvalidParam, err.Error()))
	}

	if mr.Flags&driver.FlagSelf == 0 {
		t.logger.Debug("RegisterMemoryRegion: region entered GVA address space",
			"rank_id", t.opts.RankID, "addr", mr.Address, "size", mr.Size)
	}
	return nil
}

// UnregisterMemoryRegion implements spec.md §4.1. Unpinning is best-effort:
// a failure is logged, never propagated (spec.md §7).
func (t *Transport) UnregisterMemoryRegion(addr uint64) error {
	if t.closed.Load() {
		return t.fail(NewError("UnregisterMemoryRegion", CodeNotInitialized, "transport closed"))
	}

	region, err := t.mrs.Unregister(addr)
	if err != nil {
		return t.fail(NewRankError("UnregisterMemoryRegion", t.opts.RankID, CodeInvalidParam, err.Error()))
	}

	if region.IsPinned() {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(region.Address))), int(region.Size))
		if err := mrtable.HostUnregister(buf); err != nil {
			t.logger.Warn("UnregisterMemoryRegion: host unpin failed",
				"rank_id", t.opts.RankID, "addr", addr, "err", err)
		}
	}
	if err := t.nic.DeregisterMR(driver.MRRegistration{LKey: region.LKey, RKey: region.RKey}); err != nil {
		t.logger.Warn("UnregisterMemoryRegion: driver deregister failed",
			"rank_id", t.opts.RankID, "addr", addr, "err", err)
	}
	return nil
}

// QueryMemoryKey implements spec.md §4.1: returns the wire key for a
// locally registered region, including the notify address/rkey.
func (t *Transport) QueryMemoryKey(addr uint64) (driver.MemoryKey, error) {
	if t.closed.Load() {
		return driver.MemoryKey{}, t.fail(NewError("QueryMemoryKey", CodeNotInitialized, "transport closed"))
	}
	region, err := t.mrs.Region(addr)
	if err != nil {
		return driver.MemoryKey{}, t.fail(NewRankError("QueryMemoryKey", t.opts.RankID, CodeInvalidParam, err.Error()))
	}
	return driver.MemoryKey{
		Address:    region.Address,
		Size:       region.Size,
		RegAddress: region.RegAddress,
		LKey:       region.LKey,
		RKey:       region.RKey,
		Type:       driver.MemoryKeyTypeDevice,
		NotifyRKey: region.NotifyRKey,
		NotifyAddr: region.NotifyAddr,
	}, nil
}

// QueryMemoryKeyWire is QueryMemoryKey rendered to its 64-byte wire form,
// the shape the Rendezvous Client publishes during bring-up.
func (t *Transport) QueryMemoryKeyWire(addr uint64) ([]byte, error) {
	key, err := t.QueryMemoryKey(addr)
	if err != nil {
		return nil, err
	}
	return driver.MarshalMemoryKey(&key), nil
}

// AdmitPeerMemoryKey records a remote MR learned from a peer's wire key
// (typically fetched via the Rendezvous Client's allgather) into this
// peer's remote MR map.
func (t *Transport) AdmitPeerMemoryKey(rankID int, wire []byte) error {
	k, err := driver.UnmarshalMemoryKey(wire)
	if err != nil {
		return t.fail(NewRankError("AdmitPeerMemoryKey", rankID, CodeInvalidParam, err.Error()))
	}
	if err := t.mrs.Peer(rankID).Register(rankID, &mrtable.RemoteRegion{
		Address:    k.Address,
		Size:       k.Size,
		RegAddress: k.RegAddress,
		RKey:       k.RKey,
		NotifyRKey: k.NotifyRKey,
		NotifyAddr: k.NotifyAddr,
	}); err != nil {
		return t.fail(NewRankError("AdmitPeerMemoryKey", rankID, CodeInvalidParam, err.Error()))
	}
	return nil
}

func (t *Transport) convertRanks(op string, ranks []RankEndpoint) ([]qpmanager.RankInfo, error) {
	infos := make([]qpmanager.RankInfo, 0, len(ranks))
	for _, r := range ranks {
		if r.RankID == t.opts.RankID {
			continue
		}
		na, err := address.Parse(r.NIC)
		if err != nil {
			return nil, NewRankError(op, r.RankID, CodeInvalidParam, err.Error())
		}
		tcpAddr, err := na.TCPAddr()
		if err != nil {
			return nil, NewRankError(op, r.RankID, CodeInvalidParam, err.Error())
		}
		infos = append(infos, qpmanager.RankInfo{RankID: r.RankID, Addr: tcpAddr, Role: r.Role})
	}
	return infos, nil
}

// Prepare implements spec.md §4.1: validates the peer set, forwards it to
// the QP-Connection Manager, and starts its background worker(s).
func (t *Transport) Prepare(ctx context.Context, ranks []RankEndpoint) error {
	if t.closed.Load() {
		return t.fail(NewError("Prepare", CodeNotInitialized, "transport closed"))
	}
	infos, err := t.convertRanks("Prepare", ranks)
	if err != nil {
		return t.fail(err.(*Error))
	}

	// Bipartite RECEIVERs must start listening before any SENDER's
	// BatchConnect can land; Listen is a no-op for every other role
	// (spec.md §4.2.2). Fixed/Joinable have no such role gate — a rank with
	// any higher-ranked peer is always the server side of that pair (spec.md
	// §4.2.1, §4.2.3), so it must be listening regardless of where in the
	// overall rank order it sits.
	if bp, ok := t.qpm.(*qpmanager.BipartiteManager); ok {
		selfAddr, aerr := address.Parse(t.opts.NIC)
		if aerr != nil {
			return t.fail(NewRankError("Prepare", t.opts.RankID, CodeInvalidParam, aerr.Error()))
		}
		tcpAddr, aerr := selfAddr.TCPAddr()
		if aerr != nil {
			return t.fail(NewRankError("Prepare", t.opts.RankID, CodeInvalidParam, aerr.Error()))
		}
		if err := bp.Listen(ctx, tcpAddr); err != nil {
			return t.fail(WrapError("Prepare", t.opts.RankID, err))
		}
	} else {
		selfAddr, aerr := address.Parse(t.opts.NIC)
		if aerr != nil {
			return t.fail(NewRankError("Prepare", t.opts.RankID, CodeInvalidParam, aerr.Error()))
		}
		tcpAddr, aerr := selfAddr.TCPAddr()
		if aerr != nil {
			return t.fail(NewRankError("Prepare", t.opts.RankID, CodeInvalidParam, aerr.Error()))
		}
		if err := t.fabric.Listen(ctx, tcpAddr); err != nil {
			return t.fail(WrapError("Prepare", t.opts.RankID, err))
		}
	}

	if err := t.qpm.Prepare(ctx, infos); err != nil {
		return t.fail(WrapError("Prepare", t.opts.RankID, err))
	}
	return nil
}

// Connect implements spec.md §4.1: AsyncConnect, WaitForConnected, then
// WaitQpReady bounded by BASE(30s)+PER_RANK(100ms)*rankCount. A single-rank
// transport has no peers to wait on and returns immediately ok (spec.md §8
// boundary case).
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return t.fail(NewError("Connect", CodeNotInitialized, "transport closed"))
	}
	if t.opts.RankCount == 1 {
		return nil
	}

	if err := t.qpm.AsyncConnect(); err != nil {
		return t.fail(WrapError("Connect", t.opts.RankID, err))
	}
	if err := t.qpm.WaitForConnected(ctx); err != nil {
		return t.fail(&Error{Op: "Connect", RankID: t.opts.RankID, Code: CodeTimeout, Msg: err.Error(), Inner: err})
	}

	budget := WaitQpReadyBase + time.Duration(t.opts.RankCount)*WaitQpReadyPerRank
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := t.qpm.WaitQpReady(waitCtx); err != nil {
		return t.fail(&Error{Op: "Connect", RankID: t.opts.RankID, Code: CodeTimeout, Msg: err.Error(), Inner: err})
	}
	return nil
}

// RemoveRanks implements spec.md §4.1: destroys every open stream (in-flight
// tasks become invalid), clears the removed peers' MR slices, and forwards
// to the QP-Connection Manager.
func (t *Transport) RemoveRanks(ranks []int) error {
	if t.closed.Load() {
		return t.fail(NewError("RemoveRanks", CodeNotInitialized, "transport closed"))
	}

	t.streamsMu.Lock()
	for id, b := range t.streams {
		_ = b.stream.Close()
		delete(t.streams, id)
	}
	t.defaultBundle = nil
	t.streamsMu.Unlock()

	for _, r := range ranks {
		t.mrs.DropPeer(r)
	}

	if err := t.qpm.RemoveRanks(ranks); err != nil {
		return t.fail(WrapError("RemoveRanks", t.opts.RankID, err))
	}
	return nil
}

// UpdateRankOptions implements spec.md §4.1: same shape as Prepare, against
// an already-running FSM.
func (t *Transport) UpdateRankOptions(ctx context.Context, ranks []RankEndpoint) error {
	if t.closed.Load() {
		return t.fail(NewError("UpdateRankOptions", CodeNotInitialized, "transport closed"))
	}
	infos, err := t.convertRanks("UpdateRankOptions", ranks)
	if err != nil {
		return t.fail(err.(*Error))
	}
	if err := t.qpm.UpdateRankOptions(ctx, infos); err != nil {
		return t.fail(WrapError("UpdateRankOptions", t.opts.RankID, err))
	}
	return nil
}

func (t *Transport) newStreamBundle() (uint32, *streamBundle, error) {
	id := t.streamSeq.Add(1)
	s, err := stream.New(id, t.hal)
	if err != nil {
		return 0, nil, err
	}
	nt, err := notify.New(s, t.hal, func() uint64 { return t.doorbellAddr })
	if err != nil {
		_ = s.Close()
		return 0, nil, err
	}
	return id, &streamBundle{stream: s, notify: nt}, nil
}

// StreamFor hands the caller an explicit, freshly allocated stream (spec.md
// §4.4/§4.6): Go has no goroutine-local storage, so unlike the original's
// implicit per-thread instance, callers that want to batch several ops on
// one stream obtain it explicitly and thread it through their call chain.
// The stream is tracked and torn down by Close/RemoveRanks.
func (t *Transport) StreamFor(ctx context.Context) (*stream.Stream, error) {
	if t.closed.Load() {
		return nil, t.fail(NewError("StreamFor", CodeNotInitialized, "transport closed"))
	}
	id, b, err := t.newStreamBundle()
	if err != nil {
		return nil, t.fail(WrapError("StreamFor", t.opts.RankID, err))
	}
	t.streamsMu.Lock()
	t.streams[id] = b
	t.streamsMu.Unlock()
	return b.stream, nil
}

// defaultStream is the single stream backing ReadRemote/WriteRemote/
// Synchronize when the caller hasn't obtained one of its own via StreamFor.
func (t *Transport) defaultStream() (*streamBundle, error) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	if t.defaultBundle != nil {
		return t.defaultBundle, nil
	}
	id, b, err := t.newStreamBundle()
	if err != nil {
		return nil, err
	}
	t.streams[id] = b
	t.defaultBundle = b
	return b, nil
}

func (t *Transport) observeOp(op driver.Op, size uint64, elapsed time.Duration, success bool) {
	latencyNs := uint64(elapsed.Nanoseconds())
	if op == driver.OpRead {
		t.observer.ObserveRead(size, latencyNs, success)
	} else {
		t.observer.ObserveWrite(size, latencyNs, success)
	}
}

// readWrite resolves local+remote addresses through the MR table, composes
// a single SQE, and submits it — the shared body of ReadRemote/WriteRemote
// and their Async forms (spec.md §4.1).
func (t *Transport) readWrite(ctx context.Context, opName string, rankID int, lAddr, rAddr, size uint64, op driver.Op, wait bool) error {
	if t.closed.Load() {
		return t.fail(NewError(opName, CodeNotInitialized, "transport closed"))
	}

	regAddr, lkey, err := t.mrs.Lookup(lAddr)
	if err != nil {
		return t.fail(NewRankError(opName, rankID, CodeInvalidParam, err.Error()))
	}
	remoteRegAddr, rkey, err := t.mrs.Peer(rankID).Lookup(rAddr)
	if err != nil {
		return t.fail(NewRankError(opName, rankID, CodeInvalidParam, err.Error()))
	}

	qp, ok := t.qpm.GetQpHandleWithRankId(rankID)
	if !ok {
		return t.fail(NewRankError(opName, rankID, CodeNotInitialized, "peer not operational"))
	}
	defer t.qpm.PutQpHandle(rankID)

	wr := driver.SendWR{
		LocalAddr:  regAddr,
		Size:       uint32(size),
		LKey:       lkey,
		RemoteAddr: remoteRegAddr,
		RKey:       rkey,
		Op:         op,
		Flags:      driver.FlagSignaled,
	}
	resp, err := t.nic.SendWrV2(qp, wr)
	if err != nil {
		return t.fail(&Error{Op: opName, RankID: rankID, Code: CodeDriverFail, Msg: err.Error(), Inner: err})
	}

	b, err := t.defaultStream()
	if err != nil {
		return t.fail(WrapError(opName, rankID, err))
	}

	start := time.Now()
	taskID, err := b.stream.SubmitTasks(t.doorbellAddr, resp.DoorbellValue, stream.SQETypeRDMADBSend)
	if err != nil {
		t.observeOp(op, size, time.Since(start), false)
		return t.fail(&Error{Op: opName, RankID: rankID, Code: CodeDriverFail, Msg: err.Error(), Inner: err})
	}

	if !wait {
		t.observeOp(op, size, time.Since(start), true)
		return nil
	}

	if err := b.stream.Synchronize(taskID); err != nil {
		t.observeOp(op, size, time.Since(start), false)
		return t.fail(&Error{Op: opName, RankID: rankID, Code: CodeError, Msg: err.Error(), Inner: err})
	}
	t.observeOp(op, size, time.Since(start), true)
	return nil
}

// WriteRemote implements spec.md §4.1's synchronous write: submits, then
// waits for this op's own completion.
func (t *Transport) WriteRemote(ctx context.Context, rankID int, lAddr, rAddr, size uint64) error {
	return t.readWrite(ctx, "WriteRemote", rankID, lAddr, rAddr, size, driver.OpWrite, true)
}

// ReadRemote is WriteRemote's read-direction counterpart.
func (t *Transport) ReadRemote(ctx context.Context, rankID int, lAddr, rAddr, size uint64) error {
	return t.readWrite(ctx, "ReadRemote", rankID, lAddr, rAddr, size, driver.OpRead, true)
}

// WriteRemoteAsync submits without waiting; pair with Synchronize to
// observe completion.
func (t *Transport) WriteRemoteAsync(ctx context.Context, rankID int, lAddr, rAddr, size uint64) error {
	return t.readWrite(ctx, "WriteRemoteAsync", rankID, lAddr, rAddr, size, driver.OpWrite, false)
}

// ReadRemoteAsync is WriteRemoteAsync's read-direction counterpart.
func (t *Transport) ReadRemoteAsync(ctx context.Context, rankID int, lAddr, rAddr, size uint64) error {
	return t.readWrite(ctx, "ReadRemoteAsync", rankID, lAddr, rAddr, size, driver.OpRead, false)
}

// Synchronize implements spec.md §4.1: a fenced notify RDMA_WRITE of the
// local notify word to the peer's notify MR, then a stream notify-wait SQE
// that only retires once that write (and every signalled write issued
// before it) has been observed (spec.md §4.5).
func (t *Transport) Synchronize(ctx context.Context, rankID int) error {
	if t.closed.Load() {
		return t.fail(NewError("Synchronize", CodeNotInitialized, "transport closed"))
	}

	start := time.Now()
	err := t.synchronize(ctx, rankID)
	t.observer.ObserveSynchronize(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		return t.fail(err.(*Error))
	}
	return nil
}

func (t *Transport) synchronize(ctx context.Context, rankID int) error {
	remote, ok := t.mrs.Peer(rankID).Any()
	if !ok {
		return &Error{Op: "Synchronize", RankID: rankID, Code: CodeInvalidParam, Msg: "no known remote regions for peer"}
	}

	qp, ok := t.qpm.GetQpHandleWithRankId(rankID)
	if !ok {
		return &Error{Op: "Synchronize", RankID: rankID, Code: CodeNotInitialized, Msg: "peer not operational"}
	}
	defer t.qpm.PutQpHandle(rankID)

	wr := driver.SendWR{
		LocalAddr:  t.notifyRegAddr,
		Size:       uint32(NotifyWordSize),
		LKey:       t.notifyLKey,
		RemoteAddr: remote.NotifyAddr,
		RKey:       remote.NotifyRKey,
		Op:         driver.OpWrite,
		Flags:      driver.FlagSignaled | driver.FlagFence,
	}
	resp, err := t.nic.SendWrV2(qp, wr)
	if err != nil {
		return &Error{Op: "Synchronize", RankID: rankID, Code: CodeDriverFail, Msg: err.Error(), Inner: err}
	}

	b, err := t.defaultStream()
	if err != nil {
		return WrapError("Synchronize", rankID, err)
	}
	if _, err := b.stream.SubmitTasks(t.doorbellAddr, resp.DoorbellValue, stream.SQETypeRDMADBSend); err != nil {
		return &Error{Op: "Synchronize", RankID: rankID, Code: CodeDriverFail, Msg: err.Error(), Inner: err}
	}

	if err := b.notify.Wait(ctx); err != nil {
		return &Error{Op: "Synchronize", RankID: rankID, Code: CodeTimeout, Msg: err.Error(), Inner: err}
	}
	return nil
}

// Close tears down every open stream, the QP-Connection Manager's
// background workers, and the socket fabric's listener — the analogue of
// the teacher's Device.StopAndDelete.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	t.streamsMu.Lock()
	for id, b := range t.streams {
		_ = b.stream.Close()
		delete(t.streams, id)
	}
	t.defaultBundle = nil
	t.streamsMu.Unlock()

	if err := t.qpm.Shutdown(); err != nil {
		t.logger.Warn("Close: qp manager shutdown reported an error", "rank_id", t.opts.RankID, "err", err)
	}
	return t.fabric.Close()
}

// RankID/RankCount/NIC expose the bring-up options the caller passed to
// OpenDevice, for callers building a CLI or test harness around *Transport.
func (t *Transport) RankID() int      { return t.opts.RankID }
func (t *Transport) RankCount() int   { return t.opts.RankCount }
func (t *Transport) NIC() string      { return t.opts.NIC }
