package driver

import "unsafe"

// MemoryKeyType discriminates the key's MR kind (spec.md §6 "Wire key").
type MemoryKeyType uint32

const (
	// MemoryKeyTypeDevice is the only type BMF-T's round-trip law
	// (spec.md §8) is defined for: ParseMemoryKey only promises
	// addr/size fidelity when Type == MemoryKeyTypeDevice.
	MemoryKeyTypeDevice MemoryKeyType = 0
)

// MemoryKey is the opaque 16-word packet exchanged between peers,
// bit-exact per spec.md §6:
//
//	[0..1]  address (uint64)
//	[2..3]  size (uint64)
//	[4..5]  regAddress (uint64)
//	[6..7]  mrHandle (opaque; 0 when exported)
//	[8]     lkey
//	[9]     rkey
//	[10]    type  (0 = device MR)
//	[11]    notifyRkey
//	[12..13] notifyAddr (uint64)
//	[14..15] reserved, must be zero
//
// The struct field order matches the word layout exactly so the
// compile-time size assertion below also documents the wire shape.
type MemoryKey struct {
	Address    uint64
	Size       uint64
	RegAddress uint64
	MRHandle   uint64
	LKey       uint32
	RKey       uint32
	Type       MemoryKeyType
	NotifyRKey uint32
	NotifyAddr uint64
	_reserved  uint64
}

// MemoryKeyWireSize is the on-wire size in bytes: 16 little-endian
// 32-bit words.
const MemoryKeyWireSize = 16 * 4

// Compile-time size check — must be exactly 64 bytes (16 words) to match
// spec.md §6's wire layout.
var _ [MemoryKeyWireSize]byte = [unsafe.Sizeof(MemoryKey{})]byte{}
