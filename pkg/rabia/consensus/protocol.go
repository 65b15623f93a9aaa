package consensus

import (
	"math"

	"github.com/jabolina/rabia/internal/fingerprint"
	"github.com/jabolina/rabia/pkg/rabia/storage"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// handlePropose records a peer's (or our own, looped back locally)
// Propose, coalescing a duplicate from the same sender, and starts
// round 0 once a quorum of proposals has been observed for the phase
// (spec.md section 4.5 step 1).
func (e *Engine) handlePropose(msg wire.Propose) {
	if e.isExcluded(topology.NodeId(msg.Sender)) || e.belowFloor(msg.Phase) {
		return
	}

	ps := e.slot(msg.Phase)
	ps.mu.Lock()
	sender := topology.NodeId(msg.Sender)
	if _, seen := ps.proposals[sender]; seen {
		ps.mu.Unlock()
		return
	}
	ps.proposals[sender] = msg.Batch
	reachedQuorum := len(ps.proposals) == e.topo.QuorumSize()
	var proposalsCopy map[topology.NodeId]wire.Batch
	if reachedQuorum {
		proposalsCopy = make(map[topology.NodeId]wire.Batch, len(ps.proposals))
		for k, v := range ps.proposals {
			proposalsCopy[k] = v
		}
	}
	ps.mu.Unlock()

	// Echo our own Propose for this phase if we have not already sent
	// one, so propose-quorum isn't limited to however many replicas
	// happen to have commands of their own queued right now. If this
	// echo itself completes the quorum, the recursive handlePropose
	// call it makes detects that independently.
	e.ensureProposed(msg.Phase)

	if reachedQuorum {
		e.enterRound0(msg.Phase, ps, proposalsCopy)
	}
}

// enterRound0 freezes the deterministic smallest-fingerprint batch
// selection for the phase and broadcasts the first-round State1
// (spec.md section 4.5 steps 1-2).
func (e *Engine) enterRound0(phase int64, ps *phaseState, proposals map[topology.NodeId]wire.Batch) {
	// Prefer a batch with real commands over an empty echo: otherwise a
	// replica with nothing of its own queued could contribute a
	// fingerprint that beats every actual command's fingerprint purely
	// by lexicographic chance, starving real work indefinitely every
	// phase it recurs.
	byFingerprint := make(map[topology.NodeId]string, len(proposals))
	for sender, batch := range proposals {
		if len(batch.Commands) > 0 {
			byFingerprint[sender] = batch.Fingerprint
		}
	}
	if len(byFingerprint) == 0 {
		for sender, batch := range proposals {
			byFingerprint[sender] = batch.Fingerprint
		}
	}
	winner := fingerprint.Smallest(byFingerprint)

	ps.mu.Lock()
	if ps.state1Sent[0] {
		ps.mu.Unlock()
		return
	}
	ps.selectedBatch = proposals[winner]
	ps.haveSelectedBatch = true
	ps.state1Sent[0] = true
	ps.mu.Unlock()

	e.broadcastState1(phase, 0, wire.One)
}

func (e *Engine) broadcastState1(phase int64, round uint64, value wire.Value) {
	msg := wire.State1{Sender: string(e.self), Phase: phase, Round: round, Value: value}
	e.transport.Broadcast(msg)
	e.handleState1(msg)
}

// handleState1 records a round's State1 ballot and, once a quorum is
// reached, broadcasts this replica's State2 for that round (spec.md
// section 4.5 step 3).
func (e *Engine) handleState1(msg wire.State1) {
	if e.isExcluded(topology.NodeId(msg.Sender)) || e.belowFloor(msg.Phase) {
		return
	}

	ps := e.slot(msg.Phase)
	ps.mu.Lock()
	round := ps.state1[msg.Round]
	if round == nil {
		round = make(map[topology.NodeId]wire.Value)
		ps.state1[msg.Round] = round
	}
	round[topology.NodeId(msg.Sender)] = msg.Value

	var fire bool
	if len(round) >= e.topo.QuorumSize() && !ps.state2Sent[msg.Round] {
		fire = true
		ps.state2Sent[msg.Round] = true
	}
	var agreeValue wire.Value
	var agreeCount int
	if fire {
		agreeValue, agreeCount, _ = tally(round, wire.Bottom)
	}
	ps.mu.Unlock()

	if !fire {
		return
	}

	out := wire.Unknown
	if agreeCount >= e.topo.QuorumSize() {
		out = agreeValue
	}
	e.broadcastState2(msg.Phase, msg.Round, out)
}

func (e *Engine) broadcastState2(phase int64, round uint64, value wire.Value) {
	msg := wire.State2{Sender: string(e.self), Phase: phase, Round: round, Value: value}
	e.transport.Broadcast(msg)
	e.handleState2(msg)
}

// handleState2 records a round's State2 ballot and, once a quorum is
// reached, either decides the phase, carries a value forward, or falls
// back to the common coin, per spec.md section 4.5 step 4.
func (e *Engine) handleState2(msg wire.State2) {
	if e.isExcluded(topology.NodeId(msg.Sender)) || e.belowFloor(msg.Phase) {
		return
	}

	ps := e.slot(msg.Phase)
	ps.mu.Lock()
	round := ps.state2[msg.Round]
	if round == nil {
		round = make(map[topology.NodeId]wire.Value)
		ps.state2[msg.Round] = round
	}
	round[topology.NodeId(msg.Sender)] = msg.Value

	fire := len(round) >= e.topo.QuorumSize() && !ps.roundConcluded(msg.Round)
	if fire {
		ps.markRoundConcluded(msg.Round)
	}
	var value wire.Value
	var count, total int
	if fire {
		value, count, total = tally(round, wire.Unknown)
	}
	batch := ps.selectedBatch
	haveBatch := ps.haveSelectedBatch
	ps.mu.Unlock()

	if !fire {
		return
	}

	fPlusOne := e.topo.FPlusOne()
	switch {
	case count >= fPlusOne:
		if value == wire.One && !haveBatch {
			// This replica reached State2 quorum before observing its
			// own quorum of proposals, so it has no batch to attach.
			// A peer that did will broadcast Decide with the batch
			// attached; wait for that instead of deciding with an
			// empty one.
			return
		}
		e.decide(msg.Phase, value, batch)
	case count > 0:
		e.broadcastState1(msg.Phase, msg.Round+1, value)
	case total > 0:
		e.broadcastState1(msg.Phase, msg.Round+1, coin(msg.Phase, msg.Round))
	}
}

// decide is idempotent: only the first call per phase takes effect,
// so it is safe to invoke both from the local protocol path and from
// a received Decide message.
func (e *Engine) decide(phase int64, value wire.Value, batch wire.Batch) {
	ps := e.slot(phase)
	ps.mu.Lock()
	if ps.decided {
		ps.mu.Unlock()
		return
	}
	ps.decided = true
	ps.decidedValue = value
	ps.decidedBatch = batch
	ps.mu.Unlock()

	e.transport.Broadcast(wire.Decide{Sender: string(e.self), Phase: phase, Value: value, Batch: batch})
	e.advance()
}

// handleDecide applies equivocation detection before accepting a
// peer's Decide: a second, conflicting Decide for the same phase from
// the same sender gets that sender excluded from the view rather than
// acted on (spec.md section 4.5 "Edge cases").
func (e *Engine) handleDecide(msg wire.Decide) {
	sender := topology.NodeId(msg.Sender)
	if e.isExcluded(sender) {
		return
	}
	if e.belowFloor(msg.Phase) {
		e.replyDecidedIfKnown(msg.Phase, sender)
		return
	}

	ps := e.slot(msg.Phase)
	ps.mu.Lock()
	prior, seen := ps.firstDecideFrom[sender]
	if !seen {
		ps.firstDecideFrom[sender] = msg
	}
	ps.mu.Unlock()

	if seen && (prior.Value != msg.Value || prior.Batch.Fingerprint != msg.Batch.Fingerprint) {
		e.excludeSender(sender)
		return
	}

	if e.aheadOfPipeline(msg.Phase) {
		e.triggerRecovery()
		return
	}

	e.decide(msg.Phase, msg.Value, msg.Batch)
}

func (e *Engine) aheadOfPipeline(phase int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return phase > e.phase+int64(e.pipelineDepth)
}

func (e *Engine) excludeSender(id topology.NodeId) {
	e.mu.Lock()
	already := e.excluded[id]
	e.excluded[id] = true
	e.mu.Unlock()
	if !already {
		e.log.Warnf("consensus: excluding %s from view after conflicting Decides (equivocation)", id)
	}
}

// advance commits every contiguous decided phase starting at the
// current phase, then applies whatever became contiguous in the
// application log (spec.md section 4.5 step 5).
func (e *Engine) advance() {
	e.mu.Lock()
	for {
		ps, ok := e.slots[e.phase]
		if !ok {
			break
		}
		ps.mu.Lock()
		decided := ps.decided
		value := ps.decidedValue
		batch := ps.decidedBatch
		proposed := ps.proposed
		ownBatch := ps.ownBatch
		ps.mu.Unlock()
		if !decided {
			break
		}

		if e.phase == math.MaxInt64 {
			e.mu.Unlock()
			e.log.Fatalf("consensus: phase counter overflow at phase %d, halting", e.phase)
			return
		}

		encoded, err := encodeStoredPhase(e.serializer, value, batch)
		if err != nil {
			e.log.Errorf("consensus: failed encoding phase %d for storage: %v", e.phase, err)
			e.mu.Unlock()
			return
		}
		if err := e.store.Append(storage.Entry{Phase: e.phase, Value: encoded}); err != nil {
			e.log.Errorf("consensus: failed appending phase %d to storage: %v", e.phase, err)
			e.mu.Unlock()
			return
		}

		e.recentDecided[e.phase] = wire.Decide{Sender: string(e.self), Phase: e.phase, Value: value, Batch: batch}
		e.pruneRecentLocked()
		e.reclaimOwnCommandsLocked(proposed, ownBatch, value, batch)
		delete(e.slots, e.phase)
		e.phase++
	}
	e.mu.Unlock()

	e.applyContiguous()
	e.signal()
}

// reclaimOwnCommandsLocked drops this replica's own commands from the
// front of proposalQueue once their batch has actually been decided,
// so they are not proposed again. If a different batch won the
// tiebreak, the commands stay queued and are retried in a later
// phase. Caller must hold e.mu.
func (e *Engine) reclaimOwnCommandsLocked(proposed bool, ownBatch wire.Batch, decidedValue wire.Value, decidedBatch wire.Batch) {
	if !proposed || decidedValue != wire.One {
		return
	}
	if decidedBatch.Fingerprint != ownBatch.Fingerprint {
		return
	}
	n := len(ownBatch.Commands)
	if n > len(e.proposalQueue) {
		return
	}
	e.proposalQueue = e.proposalQueue[n:]
}

// pruneRecentLocked keeps recentDecided bounded to a small trailing
// window so replaying decisions to laggards doesn't grow unbounded.
// Caller must hold e.mu.
func (e *Engine) pruneRecentLocked() {
	floor := e.phase - int64(e.pipelineDepth)*4
	if floor <= 0 {
		return
	}
	for phase := range e.recentDecided {
		if phase < floor {
			delete(e.recentDecided, phase)
		}
	}
}
