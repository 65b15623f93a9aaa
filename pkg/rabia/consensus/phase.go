package consensus

import (
	"sync"

	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// phaseState is the in-flight agreement state for one phase (spec.md
// section 4.5's "slotState[phase]"): the proposals seen, every round's
// State1/State2 ballots, and the decision once reached.
type phaseState struct {
	mu sync.Mutex

	proposed bool
	ownBatch wire.Batch
	proposals map[topology.NodeId]wire.Batch

	selectedBatch    wire.Batch
	haveSelectedBatch bool

	state1 map[uint64]map[topology.NodeId]wire.Value
	state2 map[uint64]map[topology.NodeId]wire.Value

	state1Sent map[uint64]bool
	state2Sent map[uint64]bool
	concluded  map[uint64]bool

	decided      bool
	decidedValue wire.Value
	decidedBatch wire.Batch

	// firstDecideFrom records the first Decide observed from each
	// sender, so a conflicting second Decide from the same sender is
	// caught as equivocation (spec.md section 4.5 "Edge cases").
	firstDecideFrom map[topology.NodeId]wire.Decide
}

func newPhaseState() *phaseState {
	return &phaseState{
		proposals:       make(map[topology.NodeId]wire.Batch),
		state1:          make(map[uint64]map[topology.NodeId]wire.Value),
		state2:          make(map[uint64]map[topology.NodeId]wire.Value),
		state1Sent:      make(map[uint64]bool),
		state2Sent:      make(map[uint64]bool),
		concluded:       make(map[uint64]bool),
		firstDecideFrom: make(map[topology.NodeId]wire.Decide),
	}
}

// roundConcluded reports whether this round's State2 quorum has
// already been processed (decide/carry-forward/coin). Caller must
// hold ps.mu.
func (ps *phaseState) roundConcluded(round uint64) bool {
	return ps.concluded[round]
}

// markRoundConcluded records that this round's State2 quorum has been
// processed. Caller must hold ps.mu.
func (ps *phaseState) markRoundConcluded(round uint64) {
	ps.concluded[round] = true
}

// tally counts how many votes in round agree on each non-placeholder
// value, returning the agreeing value and its count when one exists,
// plus the total number of votes recorded for the round.
func tally(round map[topology.NodeId]wire.Value, placeholder wire.Value) (value wire.Value, count, total int) {
	counts := make(map[wire.Value]int, 2)
	for _, v := range round {
		total++
		if v == placeholder {
			continue
		}
		counts[v]++
	}
	best := 0
	for v, c := range counts {
		if c > best {
			best, value = c, v
		}
	}
	return value, best, total
}
