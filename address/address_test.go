package address

import (
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:4791",
		"udp://10.0.0.5:9000",
		"ipc://192.168.1.1:1",
	}
	for _, raw := range cases {
		addr, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", raw, err)
		}
		if got := addr.String(); got != raw {
			t.Errorf("String() = %q, want %q", got, raw)
		}
	}
}

func TestParseRejectsUnknownScheme(t *testing.T) {
	_, err := Parse("rdma://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
	if _, ok := err.(ErrInvalidScheme); !ok {
		t.Errorf("error type = %T, want ErrInvalidScheme", err)
	}
}

func TestParseRejectsMalformedAddress(t *testing.T) {
	cases := []string{
		"tcp://",
		"not-a-url",
		"tcp://127.0.0.1",
		"tcp://127.0.0.1:notaport",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) should have failed", raw)
		}
	}
}

func TestParseAcceptsSubnetPrefix(t *testing.T) {
	addr, err := Parse("tcp://10.0.0.1/24:5000")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if addr.SubnetPrefix != 24 {
		t.Errorf("SubnetPrefix = %d, want 24", addr.SubnetPrefix)
	}
	if addr.Port != 5000 {
		t.Errorf("Port = %d, want 5000", addr.Port)
	}
	if got, want := addr.IP.String(), "10.0.0.1"; got != want {
		t.Errorf("IP = %q, want %q", got, want)
	}
	if got, want := addr.String(), "tcp://10.0.0.1/24:5000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	// The subnet prefix plays no part in dialing.
	tcp, err := addr.TCPAddr()
	if err != nil {
		t.Fatalf("TCPAddr failed: %v", err)
	}
	if tcp.Port != 5000 || !tcp.IP.Equal(addr.IP) {
		t.Errorf("TCPAddr = %+v, want ip=%s port=5000", tcp, addr.IP)
	}
}

func TestParseRejectsMalformedSubnetPrefix(t *testing.T) {
	if _, err := Parse("tcp://10.0.0.1/notanumber:5000"); err == nil {
		t.Fatal("expected an error for a non-numeric subnet prefix")
	}
}

func TestNICAddressTCPAddr(t *testing.T) {
	addr, err := Parse("tcp://127.0.0.1:4791")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tcp, err := addr.TCPAddr()
	if err != nil {
		t.Fatalf("TCPAddr failed: %v", err)
	}
	if tcp.Port != 4791 {
		t.Errorf("port = %d, want 4791", tcp.Port)
	}
}

func TestNICAddressTCPAddrRejectsNonTCPScheme(t *testing.T) {
	addr, err := Parse("udp://127.0.0.1:1")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, err := addr.TCPAddr(); err == nil {
		t.Fatal("expected an error converting a udp:// address to *net.TCPAddr")
	}
}

func TestRankMapLifecycle(t *testing.T) {
	m, err := NewRankMap(map[int]string{
		0: "tcp://127.0.0.1:1000",
		1: "tcp://127.0.0.1:1001",
	})
	if err != nil {
		t.Fatalf("NewRankMap failed: %v", err)
	}

	addr, ok := m.Lookup(0)
	if !ok {
		t.Fatal("expected rank 0 to be present")
	}
	if addr.Port != 1000 {
		t.Errorf("port = %d, want 1000", addr.Port)
	}

	m.Set(2, NICAddress{Scheme: SchemeTCP, IP: addr.IP, Port: 1002, SubnetPrefix: -1})
	if _, ok := m.Lookup(2); !ok {
		t.Error("expected rank 2 to be present after Set")
	}

	m.Delete(1)
	if _, ok := m.Lookup(1); ok {
		t.Error("expected rank 1 to be gone after Delete")
	}

	ranks := m.Ranks()
	if len(ranks) != 2 {
		t.Errorf("len(Ranks()) = %d, want 2", len(ranks))
	}
}

func TestNewRankMapRejectsBadEntry(t *testing.T) {
	_, err := NewRankMap(map[int]string{0: "garbage"})
	if err == nil {
		t.Fatal("expected an error for a malformed rank map entry")
	}
}
