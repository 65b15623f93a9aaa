package consensus

import "github.com/jabolina/rabia/pkg/rabia/router"

// Decided is routed once a phase's batch has been applied to the
// state machine, carrying the per-command results in order -- the
// observable notification a composition root (cmd/replica) or a test
// harness waits on.
type Decided struct {
	Phase   int64
	Results []interface{}
}

func (Decided) Class() router.Class { return router.Local }
