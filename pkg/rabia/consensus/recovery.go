package consensus

import (
	"math/rand"

	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// triggerRecovery asks a random known peer for a state-transfer
// snapshot starting at this replica's current phase, per spec.md
// section 4.5 "Recovery/state transfer". While a recovery is pending,
// the proposal driver is paused so this replica doesn't keep
// broadcasting Proposes for phases it is about to discard.
func (e *Engine) triggerRecovery() {
	if !e.recovering.CompareAndSwap(false, true) {
		return
	}

	members := e.topo.Members()
	candidates := make([]topology.NodeId, 0, len(members))
	for _, m := range members {
		if m.ID != e.self && !e.isExcluded(m.ID) {
			candidates = append(candidates, m.ID)
		}
	}
	if len(candidates) == 0 {
		e.recovering.Store(false)
		return
	}

	e.mu.Lock()
	from := e.phase
	e.mu.Unlock()

	peer := candidates[rand.Intn(len(candidates))]
	req := wire.StateRequest{Sender: string(e.self), FromPhase: from}
	if err := e.transport.Send(peer, req); err != nil {
		e.log.Warnf("consensus: state transfer request to %s failed: %v", peer, err)
		e.recovering.Store(false)
	}
}

// handleStateRequest answers with this replica's application snapshot
// (if the state machine supports one) plus the committed log slice
// from the requested phase onward. A replica with nothing committed at
// or past the requested phase answers with an empty response, so the
// requester leaves recovery and can ask again later.
func (e *Engine) handleStateRequest(msg wire.StateRequest) {
	e.mu.Lock()
	lastPhase := e.phase - 1
	e.mu.Unlock()
	if msg.FromPhase > lastPhase {
		empty := wire.StateResponse{Sender: string(e.self), FirstPhase: msg.FromPhase}
		if err := e.transport.Send(topology.NodeId(msg.Sender), empty); err != nil {
			e.log.Warnf("consensus: failed sending empty state transfer response to %s: %v", msg.Sender, err)
		}
		return
	}

	entries, err := e.store.Get(msg.FromPhase)
	if err != nil {
		e.log.Warnf("consensus: failed reading committed log for state transfer to %s: %v", msg.Sender, err)
		return
	}

	decisions := make([]wire.Decide, 0, len(entries))
	for _, entry := range entries {
		value, batch, err := decodeStoredPhase(e.serializer, entry.Value)
		if err != nil {
			e.log.Warnf("consensus: failed decoding phase %d for state transfer: %v", entry.Phase, err)
			return
		}
		decisions = append(decisions, wire.Decide{Sender: string(e.self), Phase: entry.Phase, Value: value, Batch: batch})
	}

	var snapshot []byte
	if snapper, ok := e.sm.(Snapshotter); ok {
		snapshot, err = snapper.MarshalSnapshot(e.serializer)
		if err != nil {
			e.log.Warnf("consensus: failed marshaling state machine snapshot: %v", err)
			return
		}
	}

	resp := wire.StateResponse{
		Sender:     string(e.self),
		FirstPhase: msg.FromPhase,
		Snapshot:   snapshot,
		Decisions:  decisions,
	}
	if err := e.transport.Send(topology.NodeId(msg.Sender), resp); err != nil {
		e.log.Warnf("consensus: failed sending state transfer response to %s: %v", msg.Sender, err)
	}
}

// handleStateResponse discards this replica's local state for the
// affected range and rebuilds it from the peer's snapshot plus
// committed-log slice (spec.md section 4.5 "Recovery/state transfer").
func (e *Engine) handleStateResponse(msg wire.StateResponse) {
	defer e.recovering.Store(false)

	if len(msg.Decisions) == 0 {
		return
	}

	if snapper, ok := e.sm.(Snapshotter); ok && len(msg.Snapshot) > 0 {
		if err := snapper.UnmarshalSnapshot(e.serializer, msg.Snapshot); err != nil {
			e.log.Errorf("consensus: failed restoring state machine snapshot: %v", err)
			return
		}
	} else if err := e.sm.Restore(); err != nil {
		e.log.Errorf("consensus: failed resetting state machine before replay: %v", err)
		return
	}

	e.mu.Lock()
	e.slots = make(map[int64]*phaseState)
	e.phase = msg.FirstPhase
	e.appliedIndex = msg.FirstPhase - 1
	e.mu.Unlock()

	for _, d := range msg.Decisions {
		e.decide(d.Phase, d.Value, d.Batch)
	}
}
