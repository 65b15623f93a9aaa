package consensus

import "github.com/jabolina/rabia/pkg/rabia/wire"

// applyContiguous applies every committed phase after appliedIndex, in
// order, to the state machine. A phase decided as Zero ("no proposal
// this phase") is a no-op but still advances appliedIndex (spec.md
// section 4.5 step 5, "apply any contiguous prefix not yet applied").
//
// applyMu is held for the entire read-check-apply-advance sequence,
// not just the appliedIndex/phase reads: decide() is reachable
// concurrently from handleState2, handleDecide, and
// handleStateResponse's replay loop, each potentially running on a
// different peer connection's goroutine, so without a lock spanning
// the whole loop two callers could both read the same stale
// appliedIndex and apply the same phase twice.
func (e *Engine) applyContiguous() {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	from := e.appliedIndex + 1
	to := e.phase - 1
	e.mu.Unlock()

	for phase := from; phase <= to; phase++ {
		entries, err := e.store.Get(phase)
		if err != nil || len(entries) == 0 {
			e.log.Errorf("consensus: missing committed entry for phase %d: %v", phase, err)
			return
		}
		value, batch, err := decodeStoredPhase(e.serializer, entries[0].Value)
		if err != nil {
			e.log.Errorf("consensus: failed decoding committed phase %d: %v", phase, err)
			return
		}

		var results []interface{}
		if value == wire.One {
			results, err = e.sm.Apply(phase, batch.Commands)
			if err != nil {
				e.log.Errorf("consensus: state machine apply failed at phase %d: %v", phase, err)
				return
			}
		}

		e.mu.Lock()
		e.appliedIndex = phase
		e.mu.Unlock()

		e.router.Route(Decided{Phase: phase, Results: results})
	}
}
