package bmft

import (
	"fmt"

	"bmft/internal/driver/simdriver"
)

// TestFabric wires up a simdriver.Fabric shared by every rank in a
// simulated run, the way NewMockBackend gave the teacher's test suite an
// in-process Backend. Tests construct one TestFabric and open one
// Transport per rank against it.
type TestFabric struct {
	fabric *simdriver.Fabric
}

// NewTestFabric creates an empty shared in-memory fabric.
func NewTestFabric() *TestFabric {
	return &TestFabric{fabric: simdriver.NewFabric()}
}

// OpenTestTransport opens a Transport for rankID against the shared
// fabric, with sensible test defaults (PEER role, HOST initial type,
// loopback NIC addresses indexed by rank). Callers needing SENDER/RECEIVER
// or AI_CORE scenarios should call OpenDevice directly with a
// *TestFabric-backed Options instead.
func (tf *TestFabric) OpenTestTransport(rankID, rankCount int) (*Transport, error) {
	node := simdriver.NewNode(tf.fabric, rankID)
	opts := DefaultOptions()
	opts.RankID = rankID
	opts.RankCount = rankCount
	opts.NIC = fmt.Sprintf("tcp://127.0.0.1:%d", 20000+rankID)
	opts.NICDriver = node
	opts.HALDriver = node
	return OpenDevice(opts)
}

// TestRankEndpoints builds the full RankEndpoint set for an N-rank
// TestFabric run, the shape Prepare/Connect expect (spec.md §4.1).
func TestRankEndpoints(rankCount int) []RankEndpoint {
	out := make([]RankEndpoint, rankCount)
	for i := 0; i < rankCount; i++ {
		out[i] = RankEndpoint{
			RankID: i,
			NIC:    fmt.Sprintf("tcp://127.0.0.1:%d", 20000+i),
			Role:   RolePeer,
		}
	}
	return out
}
