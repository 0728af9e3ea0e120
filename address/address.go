// Package address is BMF-T's Device/Network Vocabulary (spec.md §2): NIC
// address parsing (`scheme://ip:port`), rank<->ip bookkeeping, and the wire
// shape of a memory-region descriptor. Grounded on the teacher's
// internal/uapi — the same "small, bit-precise structs with their own
// parse/format helpers, no business logic" role, here for addressing
// instead of block-device command layout.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Scheme is the transport named by a NIC address's URI prefix (spec.md §3
// "nic = scheme://ip:port").
type Scheme string

const (
	SchemeTCP Scheme = "tcp"
	SchemeUDP Scheme = "udp"
	SchemeIPC Scheme = "ipc"
)

// NICAddress is a parsed `scheme://ip:port` endpoint.
type NICAddress struct {
	Scheme Scheme
	IP     net.IP
	Port   int

	// SubnetPrefix is the optional `/N` CIDR suffix spec.md §6's address
	// literal accepts (`…(\d+\.\d+\.\d+\.\d+)(?:/\d+)?:(\d{1,5})`), -1 if
	// absent. It plays no part in dialing — TCPAddr never sees it — but is
	// parsed and round-tripped through String() so a rendezvous peer that
	// cares about subnet scoping still receives it.
	SubnetPrefix int
}

// ErrInvalidScheme/ErrInvalidAddress report a malformed NIC string
// (spec.md §4.1 "parses the NIC" / INVALID_PARAM surface).
type ErrInvalidScheme struct{ Scheme string }

func (e ErrInvalidScheme) Error() string {
	return fmt.Sprintf("address: unsupported scheme %q (want tcp, udp, or ipc)", e.Scheme)
}

type ErrInvalidAddress struct{ Raw string }

func (e ErrInvalidAddress) Error() string {
	return fmt.Sprintf("address: malformed NIC address %q, want scheme://ip:port", e.Raw)
}

// Parse decodes a `scheme://ip:port` NIC address (spec.md §3).
func Parse(raw string) (NICAddress, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return NICAddress{}, ErrInvalidAddress{Raw: raw}
	}
	scheme := Scheme(strings.ToLower(raw[:schemeSep]))
	switch scheme {
	case SchemeTCP, SchemeUDP, SchemeIPC:
	default:
		return NICAddress{}, ErrInvalidScheme{Scheme: string(scheme)}
	}

	rest := raw[schemeSep+3:]
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return NICAddress{}, errors.Wrapf(ErrInvalidAddress{Raw: raw}, "split host/port: %v", err)
	}

	subnetPrefix := -1
	if slash := strings.IndexByte(host, '/'); slash >= 0 {
		prefixStr := host[slash+1:]
		host = host[:slash]
		p, err := strconv.Atoi(prefixStr)
		if err != nil {
			return NICAddress{}, errors.Wrapf(ErrInvalidAddress{Raw: raw}, "parse subnet prefix %q: %v", prefixStr, err)
		}
		subnetPrefix = p
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return NICAddress{}, errors.Wrapf(ErrInvalidAddress{Raw: raw}, "resolve host %q: %v", host, err)
		}
		ip = ips[0]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NICAddress{}, errors.Wrapf(ErrInvalidAddress{Raw: raw}, "parse port %q: %v", portStr, err)
	}

	return NICAddress{Scheme: scheme, IP: ip, Port: port, SubnetPrefix: subnetPrefix}, nil
}

// String renders back to `scheme://ip:port`, or `scheme://ip/N:port` when
// SubnetPrefix was present.
func (a NICAddress) String() string {
	host := a.IP.String()
	if a.SubnetPrefix >= 0 {
		host = fmt.Sprintf("%s/%d", host, a.SubnetPrefix)
	}
	return fmt.Sprintf("%s://%s", a.Scheme, net.JoinHostPort(host, strconv.Itoa(a.Port)))
}

// TCPAddr converts to *net.TCPAddr for schemes that ride over TCP (tcp is
// the only scheme the Socket Fabric currently dials; udp/ipc are parsed and
// round-tripped but rejected here with a clear error rather than silently
// coerced).
func (a NICAddress) TCPAddr() (*net.TCPAddr, error) {
	if a.Scheme != SchemeTCP {
		return nil, errors.Errorf("address: scheme %q has no TCP representation", a.Scheme)
	}
	return &net.TCPAddr{IP: a.IP, Port: a.Port}, nil
}

// RankMap is the bidirectional rank<->ip bookkeeping every QP-Connection
// Manager variant needs to resolve a peer's RankInfo into a dialable
// address (spec.md §2 "rank<->ip maps").
type RankMap struct {
	byRank map[int]NICAddress
}

// NewRankMap builds a RankMap from an explicit rank->NIC-address table,
// the shape the Rendezvous Client's allgather response takes (spec.md §2).
func NewRankMap(entries map[int]string) (*RankMap, error) {
	m := &RankMap{byRank: make(map[int]NICAddress, len(entries))}
	for rank, raw := range entries {
		addr, err := Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d", rank)
		}
		m.byRank[rank] = addr
	}
	return m, nil
}

// Lookup returns the parsed NIC address for rankID.
func (m *RankMap) Lookup(rankID int) (NICAddress, bool) {
	addr, ok := m.byRank[rankID]
	return addr, ok
}

// Set records or replaces rankID's address, used when a peer joins after
// initial bring-up (spec.md §4.2.3).
func (m *RankMap) Set(rankID int, addr NICAddress) {
	m.byRank[rankID] = addr
}

// Delete forgets rankID, used on RemoveRanks.
func (m *RankMap) Delete(rankID int) {
	delete(m.byRank, rankID)
}

// Ranks returns every rank currently known, unordered.
func (m *RankMap) Ranks() []int {
	ranks := make([]int, 0, len(m.byRank))
	for r := range m.byRank {
		ranks = append(ranks, r)
	}
	return ranks
}

// MRDescriptor is the wire-adjacent shape of a memory-region advertisement
// exchanged via the Rendezvous Client's allgather (spec.md §3 "Memory
// Region (MR)"), distinct from mrtable.Region in that it carries no local
// pointers or pinning state — only what a peer needs to address it.
type MRDescriptor struct {
	RankID     int
	Address    uint64
	Size       uint64
	RKey       uint32
	NotifyRKey uint32
	NotifyAddr uint64
}
