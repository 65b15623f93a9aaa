// Package wire holds every message that may round-trip across the
// network: the "tagged sum of protocol messages, serializable" entity
// from spec.md section 3. Every type here is a plain DTO built from
// primitives only (strings, ints, byte slices) so it has no
// dependency on the domain packages (topology, consensus) that
// interpret it -- those packages convert to/from wire types at their
// boundary instead of the wire types depending on them, which is what
// keeps network <-> topology <-> consensus free of import cycles.
package wire

import "github.com/jabolina/rabia/pkg/rabia/router"

// NodeTriple is the wire-level (id, host, port) triple backing
// topology.NodeInfo, per the DiscoveredNodes/AddNode wire tags in
// spec.md section 6.
type NodeTriple struct {
	ID   string
	Host string
	Port int
}

// Hello is the first message sent on every new channel, identifying
// the sender to the peer on the other end (spec.md section 4.4).
type Hello struct {
	Sender string
}

func (Hello) Class() router.Class { return router.Wired }

// Ping carries no payload beyond the sender identity.
type Ping struct {
	Sender string
}

func (Ping) Class() router.Class { return router.Wired }

// Pong answers a Ping.
type Pong struct {
	Sender string
}

func (Pong) Class() router.Class { return router.Wired }

// DiscoverNodes asks the receiver to share its known topology.
type DiscoverNodes struct {
	Sender string
}

func (DiscoverNodes) Class() router.Class { return router.Wired }

// DiscoveredNodes answers DiscoverNodes with the sender's full known
// membership. Receiving this performs a union-merge only -- no node is
// ever removed as a side effect of discovery (spec.md section 4.3).
type DiscoveredNodes struct {
	Sender string
	Nodes  []NodeTriple
}

func (DiscoveredNodes) Class() router.Class { return router.Wired }

// AddNode is routed (never applied directly) so the network and
// topology layers stay decoupled, per spec.md section 9's note on
// breaking the network/topology cycle via message-passing.
type AddNode struct {
	Node NodeTriple
}

func (AddNode) Class() router.Class { return router.Wired }

// RemoveNode is the symmetric membership-shrink message.
type RemoveNode struct {
	ID string
}

func (RemoveNode) Class() router.Class { return router.Wired }

// Batch is an ordered group of commands proposed together in one
// phase, plus its canonical fingerprint, per spec.md section 3.
type Batch struct {
	Commands    [][]byte
	Fingerprint string
}

// Value is the ternary vote carried by State1/State2 messages: 0 and 1
// are binary votes, Bottom/Unknown stand in for "no proposal" (State1)
// and "no agreement" (State2) respectively.
type Value uint8

const (
	Zero Value = iota
	One
	Bottom  // State1's ⊥: no proposal seen this phase.
	Unknown // State2's ?: no quorum agreement in round r.
)

// Propose carries a replica's initial batch for a phase. A replica
// broadcasts at most one Propose per phase (spec.md section 4.5 step 1).
type Propose struct {
	Sender string
	Phase  int64
	Batch  Batch
	// Signature is reserved for a future threshold-signature extension
	// (spec.md section 9's open question); unused and unverified today.
	Signature []byte
}

func (Propose) Class() router.Class { return router.Wired }

// State1 is the first-round vote of the inner randomized binary
// agreement (spec.md section 4.5 step 2).
type State1 struct {
	Sender string
	Phase  int64
	Round  uint64
	Value  Value
}

func (State1) Class() router.Class { return router.Wired }

// State2 is the second-round vote (spec.md section 4.5 step 3).
type State2 struct {
	Sender string
	Phase  int64
	Round  uint64
	Value  Value
}

func (State2) Class() router.Class { return router.Wired }

// Decide disseminates a phase's decided value and batch to laggards
// once any replica reaches a decision (spec.md section 4.5 step 5).
type Decide struct {
	Sender    string
	Phase     int64
	Value     Value
	Batch     Batch
	Signature []byte
}

func (Decide) Class() router.Class { return router.Wired }

// StateRequest asks a peer for a state-transfer snapshot starting at
// FromPhase, used during recovery (spec.md section 4.5 "Recovery").
type StateRequest struct {
	Sender    string
	FromPhase int64
}

func (StateRequest) Class() router.Class { return router.Wired }

// StateResponse answers StateRequest with an application snapshot and
// the committed-log slice starting at FirstPhase.
type StateResponse struct {
	Sender     string
	FirstPhase int64
	Snapshot   []byte
	Decisions  []Decide
}

func (StateResponse) Class() router.Class { return router.Wired }
