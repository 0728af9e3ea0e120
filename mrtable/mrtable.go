// Package mrtable is the Memory-Region Table: the local `address -> Region`
// registry plus each peer's remote region map, kept sorted for
// lower_bound-style containment lookups. It is the Go analogue of the
// teacher's sharded RAM backend (backend/mem.go) — here the thing being
// indexed is registered address ranges rather than fixed-size shards.
package mrtable

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"bmft/internal/driver"
)

// Region is a locally-registered memory region (spec.md §3).
type Region struct {
	Address    uint64
	Size       uint64
	RegAddress uint64 // Address after optional host-pinning.
	LKey       uint32
	RKey       uint32
	Access     driver.AccessFlag
	Flags      driver.RegionFlag
	NotifyRKey uint32
	NotifyAddr uint64
	pinned     bool
}

// RemoteRegion is what a peer told us about one of its MRs, learned from a
// wire MemoryKey (spec.md §3's "per-peer {addr -> RemoteMR}").
type RemoteRegion struct {
	Address    uint64
	Size       uint64
	RegAddress uint64
	RKey       uint32
	NotifyRKey uint32
	NotifyAddr uint64
}

// ErrOverlap is returned by Register when the requested range overlaps an
// existing live region owned by the same rank (spec.md §3 invariant).
type ErrOverlap struct {
	Address uint64
	Size    uint64
}

func (e ErrOverlap) Error() string {
	return fmt.Sprintf("mrtable: region [%#x, %#x) overlaps an existing registration", e.Address, e.Address+e.Size)
}

// ErrNotFound is returned by lookups against an address with no covering
// registration.
type ErrNotFound struct{ Address uint64 }

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("mrtable: no region covers address %#x", e.Address)
}

// ErrMRTableFull is returned when a registration would exceed
// driver.MRMaxNum-1 live entries — slot 0 of the spec's MR arena is
// reserved, leaving MRMaxNum-1 usable slots per side (spec.md §4.2 "MR
// REGISTRATION PROTOCOL"). RankID is only meaningful when Peer is true.
type ErrMRTableFull struct {
	Peer   bool
	RankID int
}

func (e ErrMRTableFull) Error() string {
	if !e.Peer {
		return fmt.Sprintf("mrtable: local table is at its %d-entry cap", driver.MRMaxNum-1)
	}
	return fmt.Sprintf("mrtable: peer %d's remote table is at its %d-entry cap", e.RankID, driver.MRMaxNum-1)
}

// Table is the local MR registry plus every peer's remote MR map. The
// local index is a sorted slice of start addresses searched with
// sort.Search — Go's idiomatic substitute for std::lower_bound, used the
// same way the teacher's queue runner indexes fixed tag slots, just over a
// dynamic key space instead of [0, depth).
type Table struct {
	mu      sync.RWMutex
	regions map[uint64]*Region
	starts  []uint64 // kept sorted; parallel to regions by key

	peers map[int]*PeerRegions
}

// PeerRegions is one peer's remote MR map, indexed the same way as the
// local table.
type PeerRegions struct {
	mu      sync.RWMutex
	regions map[uint64]*RemoteRegion
	starts  []uint64
}

// New creates an empty table.
func New() *Table {
	return &Table{
		regions: make(map[uint64]*Region),
		peers:   make(map[int]*PeerRegions),
	}
}

// Register adds a freshly-driver-registered region to the local table,
// rejecting any overlap with an existing live region (spec.md §3 "must not
// overlap any other live MR owned by the same rank") and rejecting a new
// entry once the table already holds MRMaxNum-1 live regions (spec.md §4.2
// "MR REGISTRATION PROTOCOL" — slot 0 of the MR arena is reserved).
func (t *Table) Register(r *Region) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.overlapsLocked(r.Address, r.Size) {
		return ErrOverlap{Address: r.Address, Size: r.Size}
	}
	if _, exists := t.regions[r.Address]; !exists && len(t.regions) >= driver.MRMaxNum-1 {
		return ErrMRTableFull{}
	}

	t.regions[r.Address] = r
	t.insertStartLocked(r.Address)
	return nil
}

func (t *Table) overlapsLocked(addr, size uint64) bool {
	idx := t.lowerBoundLocked(addr)
	// Check the region starting at-or-before addr.
	if idx > 0 {
		prev := t.regions[t.starts[idx-1]]
		if addr < prev.Address+prev.Size {
			return true
		}
	}
	// Check the region starting at-or-after addr.
	if idx < len(t.starts) {
		next := t.regions[t.starts[idx]]
		if next.Address < addr+size {
			return true
		}
	}
	return false
}

func (t *Table) insertStartLocked(addr uint64) {
	idx := t.lowerBoundLocked(addr)
	t.starts = append(t.starts, 0)
	copy(t.starts[idx+1:], t.starts[idx:])
	t.starts[idx] = addr
}

// lowerBoundLocked returns the index of the first start address >= addr,
// the std::lower_bound equivalent spec.md §4.3 calls for.
func (t *Table) lowerBoundLocked(addr uint64) int {
	return sort.Search(len(t.starts), func(i int) bool {
		return t.starts[i] >= addr
	})
}

// Unregister removes a region by its original registration address
// (spec.md §4.1 "UnregisterMemoryRegion(addr)"). HostUnregister is the
// caller's responsibility to invoke on the returned region before
// discarding it.
func (t *Table) Unregister(addr uint64) (*Region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regions[addr]
	if !ok {
		return nil, ErrNotFound{Address: addr}
	}
	delete(t.regions, addr)
	idx := t.lowerBoundLocked(addr)
	if idx < len(t.starts) && t.starts[idx] == addr {
		t.starts = append(t.starts[:idx], t.starts[idx+1:]...)
	}
	return r, nil
}

// Lookup finds the region covering addr and returns (regAddress+offset,
// lkey) per spec.md §8's round-trip law.
func (t *Table) Lookup(addr uint64) (regAddr uint64, lkey uint32, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := t.findCoveringLocked(addr)
	if r == nil {
		return 0, 0, ErrNotFound{Address: addr}
	}
	offset := addr - r.Address
	return r.RegAddress + offset, r.LKey, nil
}

// Region returns a copy of the region covering addr, or ErrNotFound.
func (t *Table) Region(addr uint64) (Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := t.findCoveringLocked(addr)
	if r == nil {
		return Region{}, ErrNotFound{Address: addr}
	}
	return *r, nil
}

func (t *Table) findCoveringLocked(addr uint64) *Region {
	idx := t.lowerBoundLocked(addr)
	if idx < len(t.starts) && t.starts[idx] == addr {
		return t.regions[addr]
	}
	if idx == 0 {
		return nil
	}
	candidate := t.regions[t.starts[idx-1]]
	if addr >= candidate.Address && addr < candidate.Address+candidate.Size {
		return candidate
	}
	return nil
}

// LocalRegions returns a snapshot of every locally registered region, in
// start-address order, for the QP-Connection Manager's MR exchange pass
// (spec.md §4.2 "register the current local MR snapshot on the QP").
func (t *Table) LocalRegions() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Region, 0, len(t.starts))
	for _, addr := range t.starts {
		out = append(out, *t.regions[addr])
	}
	return out
}

// Peer returns (creating if necessary) the remote MR map for rankID.
func (t *Table) Peer(rankID int) *PeerRegions {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[rankID]
	if !ok {
		p = &PeerRegions{regions: make(map[uint64]*RemoteRegion)}
		t.peers[rankID] = p
	}
	return p
}

// DropPeer forgets everything known about rankID (spec.md §4.2 "RemoveRanks").
func (t *Table) DropPeer(rankID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, rankID)
}

// Register records a remote MR learned from a peer's wire key, rejecting
// new entries once the peer's remote table is at its MRMaxNum-1 cap
// (spec.md §4.2 "MR REGISTRATION PROTOCOL"). rankID is carried only for
// ErrMRTableFull's message and is the caller's responsibility to supply
// correctly — Peer(rankID) callers already know it.
func (p *PeerRegions) Register(rankID int, r *RemoteRegion) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.regions[r.Address]
	if !exists && len(p.regions) >= driver.MRMaxNum-1 {
		return ErrMRTableFull{Peer: true, RankID: rankID}
	}
	if !exists {
		idx := sort.Search(len(p.starts), func(i int) bool { return p.starts[i] >= r.Address })
		p.starts = append(p.starts, 0)
		copy(p.starts[idx+1:], p.starts[idx:])
		p.starts[idx] = r.Address
	}
	p.regions[r.Address] = r
	return nil
}

// Len reports how many remote regions are currently known for this peer.
// The QP-Connection Manager reads this during MR exchange only to log the
// peer's current MR count; the MRMaxNum-1 cap itself is enforced inside
// Register, which both this and Transport.WriteRemote/ReadRemote consult
// directly (spec.md §4.2 "MR REGISTRATION PROTOCOL").
func (p *PeerRegions) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.regions)
}

// Any returns an arbitrary one of the peer's known remote regions, used by
// Transport.Synchronize to recover the peer's notify rkey/address — every
// region registered by a given peer carries the same notify MR, since a
// transport allocates one notify buffer per process, not per region
// (spec.md §4.5).
func (p *PeerRegions) Any() (*RemoteRegion, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.regions {
		return r, true
	}
	return nil, false
}

// Lookup resolves a remote address to (regAddress+offset, rkey).
func (p *PeerRegions) Lookup(addr uint64) (regAddr uint64, rkey uint32, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idx := sort.Search(len(p.starts), func(i int) bool { return p.starts[i] >= addr })
	var r *RemoteRegion
	if idx < len(p.starts) && p.starts[idx] == addr {
		r = p.regions[addr]
	} else if idx > 0 {
		cand := p.regions[p.starts[idx-1]]
		if addr >= cand.Address && addr < cand.Address+cand.Size {
			r = cand
		}
	}
	if r == nil {
		return 0, 0, ErrNotFound{Address: addr}
	}
	offset := addr - r.Address
	return r.RegAddress + offset, r.RKey, nil
}

// HostRegister pins size bytes at addr into physical memory so DMA engines
// can safely target it (spec.md §4.3's regAddress derivation). Per the
// Open Question decision recorded in SPEC_FULL.md, a pin failure is logged and
// the caller continues with the unpinned address rather than failing
// RegisterMemoryRegion outright.
func HostRegister(addrPtr []byte) error {
	if len(addrPtr) == 0 {
		return nil
	}
	return unix.Mlock(addrPtr)
}

// HostUnregister reverses HostRegister; safe to call on a region that was
// never successfully pinned (Munlock on already-unlocked memory is a
// harmless no-op on Linux).
func HostUnregister(addrPtr []byte) error {
	if len(addrPtr) == 0 {
		return nil
	}
	return unix.Munlock(addrPtr)
}

// MarkPinned/IsPinned track whether HostRegister succeeded for a region,
// so Unregister knows whether HostUnregister is owed.
func (r *Region) MarkPinned(v bool) { r.pinned = v }
func (r *Region) IsPinned() bool    { return r.pinned }
