package mrtable

import (
	"testing"

	"bmft/internal/driver"
)

func TestRegisterAndLookup(t *testing.T) {
	tbl := New()
	r := &Region{Address: 0x1000, Size: 0x1000, RegAddress: 0x1000, LKey: 1, RKey: 2, Access: driver.AccessLocalWrite}
	if err := tbl.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	regAddr, lkey, err := tbl.Lookup(0x1080)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if regAddr != 0x1080 {
		t.Errorf("regAddr = %#x, want %#x", regAddr, 0x1080)
	}
	if lkey != 1 {
		t.Errorf("lkey = %d, want 1", lkey)
	}
}

func TestLookupOutsideRangeFails(t *testing.T) {
	tbl := New()
	r := &Region{Address: 0x1000, Size: 0x100, RegAddress: 0x1000, LKey: 1, RKey: 2}
	if err := tbl.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, err := tbl.Lookup(0x2000); err == nil {
		t.Error("expected ErrNotFound for address outside any region")
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	tbl := New()
	if err := tbl.Register(&Region{Address: 0x1000, Size: 0x1000, RegAddress: 0x1000}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := tbl.Register(&Region{Address: 0x1800, Size: 0x100, RegAddress: 0x1800})
	if err == nil {
		t.Fatal("expected overlap error")
	}
	if _, ok := err.(ErrOverlap); !ok {
		t.Errorf("error type = %T, want ErrOverlap", err)
	}
}

func TestRegisterAdjacentRangesDoNotOverlap(t *testing.T) {
	tbl := New()
	if err := tbl.Register(&Region{Address: 0x1000, Size: 0x1000, RegAddress: 0x1000}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := tbl.Register(&Region{Address: 0x2000, Size: 0x1000, RegAddress: 0x2000}); err != nil {
		t.Errorf("adjacent (non-overlapping) Register failed: %v", err)
	}
}

// TestRoundTripLaw exercises spec.md §8: for every address in
// [MR.addr, MR.addr+MR.size), lookup(addr) returns (MR.regAddress+offset,
// MR.lkey).
func TestRoundTripLaw(t *testing.T) {
	tbl := New()
	r := &Region{Address: 0x4000, Size: 256, RegAddress: 0x9000, LKey: 42}
	if err := tbl.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for offset := uint64(0); offset < r.Size; offset += 32 {
		regAddr, lkey, err := tbl.Lookup(r.Address + offset)
		if err != nil {
			t.Fatalf("Lookup(%#x) failed: %v", r.Address+offset, err)
		}
		if regAddr != r.RegAddress+offset {
			t.Errorf("offset %d: regAddr = %#x, want %#x", offset, regAddr, r.RegAddress+offset)
		}
		if lkey != r.LKey {
			t.Errorf("offset %d: lkey = %d, want %d", offset, lkey, r.LKey)
		}
	}
}

func TestUnregisterEmptiesMap(t *testing.T) {
	tbl := New()
	r := &Region{Address: 0x1000, Size: 0x100, RegAddress: 0x1000}
	if err := tbl.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := tbl.Unregister(0x1000); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, _, err := tbl.Lookup(0x1000); err == nil {
		t.Error("expected lookup to fail after unregister")
	}
	if _, err := tbl.Unregister(0x1000); err == nil {
		t.Error("expected second unregister of the same addr to fail")
	}
}

func TestPeerRegionsRoundTrip(t *testing.T) {
	tbl := New()
	peer := tbl.Peer(3)
	if err := peer.Register(3, &RemoteRegion{Address: 0x8000, Size: 0x1000, RegAddress: 0x8000, RKey: 99}); err != nil {
		t.Fatalf("peer Register failed: %v", err)
	}

	regAddr, rkey, err := peer.Lookup(0x8080)
	if err != nil {
		t.Fatalf("peer Lookup failed: %v", err)
	}
	if regAddr != 0x8080 || rkey != 99 {
		t.Errorf("got (%#x, %d), want (%#x, 99)", regAddr, rkey, 0x8080)
	}

	tbl.DropPeer(3)
	fresh := tbl.Peer(3)
	if _, _, err := fresh.Lookup(0x8080); err == nil {
		t.Error("expected lookup to fail after DropPeer")
	}
}

func TestRegisterRejectsOverCap(t *testing.T) {
	tbl := New()
	for i := 0; i < driver.MRMaxNum-1; i++ {
		addr := uint64(i) * 0x1000
		if err := tbl.Register(&Region{Address: addr, Size: 0x100, RegAddress: addr}); err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
	}

	over := uint64(driver.MRMaxNum-1) * 0x1000
	err := tbl.Register(&Region{Address: over, Size: 0x100, RegAddress: over})
	if err == nil {
		t.Fatal("expected ErrMRTableFull once the table is at its cap")
	}
	if _, ok := err.(ErrMRTableFull); !ok {
		t.Errorf("error type = %T, want ErrMRTableFull", err)
	}
}

func TestPeerRegisterRejectsOverCap(t *testing.T) {
	tbl := New()
	peer := tbl.Peer(7)
	for i := 0; i < driver.MRMaxNum-1; i++ {
		addr := uint64(i) * 0x1000
		if err := peer.Register(7, &RemoteRegion{Address: addr, Size: 0x100, RegAddress: addr}); err != nil {
			t.Fatalf("peer Register %d failed: %v", i, err)
		}
	}

	over := uint64(driver.MRMaxNum-1) * 0x1000
	err := peer.Register(7, &RemoteRegion{Address: over, Size: 0x100, RegAddress: over})
	if err == nil {
		t.Fatal("expected ErrMRTableFull once the peer's remote table is at its cap")
	}
	if fullErr, ok := err.(ErrMRTableFull); !ok {
		t.Errorf("error type = %T, want ErrMRTableFull", err)
	} else if fullErr.RankID != 7 {
		t.Errorf("RankID = %d, want 7", fullErr.RankID)
	}
}

func TestHostRegisterUnregisterRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	if err := HostRegister(buf); err != nil {
		t.Skipf("Mlock unavailable in this environment: %v", err)
	}
	if err := HostUnregister(buf); err != nil {
		t.Errorf("HostUnregister failed: %v", err)
	}
}
