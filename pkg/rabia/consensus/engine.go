// Package consensus implements the Rabia randomized binary consensus
// engine described in spec.md section 4.5: a per-phase Propose / State1
// / State2 / Decide protocol that agrees on a totally ordered sequence
// of command batches under up to f = floor((n-1)/2) crash failures.
package consensus

import (
	"sync"

	"github.com/hashicorp/go-uuid"
	"go.uber.org/atomic"

	"github.com/jabolina/rabia/internal/fingerprint"
	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/statemachine"
	"github.com/jabolina/rabia/pkg/rabia/storage"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// Snapshotter is the optional capability a StateMachine may implement
// to support state transfer (spec.md section 4.5 "Recovery"). A
// StateMachine without it still participates in consensus; it simply
// cannot serve or consume a snapshot, and recovering replicas fall
// back to Restore() plus replaying the full committed log.
type Snapshotter interface {
	MarshalSnapshot(s wire.Serializer) ([]byte, error)
	UnmarshalSnapshot(s wire.Serializer, data []byte) error
}

// Engine is one replica's Rabia consensus runtime: phase driver,
// proposal queue, in-flight round state, committed log, and recovery.
type Engine struct {
	self       topology.NodeId
	topo       *topology.Manager
	router     *router.Router
	transport  topology.Sender
	serializer wire.Serializer
	sched      *result.Scheduler
	log        definition.Logger

	sm    statemachine.StateMachine
	store storage.Storage

	batchSize     int
	pipelineDepth int

	mu            sync.Mutex
	phase         int64
	appliedIndex  int64
	proposalQueue [][]byte
	slots         map[int64]*phaseState
	recentDecided map[int64]wire.Decide
	excluded      map[topology.NodeId]bool

	// applyMu serializes applyContiguous end to end: decide() reaches
	// advance() -> applyContiguous() from handleState2, handleDecide,
	// and handleStateResponse's replay loop, each potentially running
	// on a different peer connection's goroutine. Without a lock held
	// across the whole read-check-apply-advance sequence, two such
	// goroutines can both read the same stale appliedIndex and call
	// e.sm.Apply concurrently for the same phase.
	applyMu sync.Mutex

	recovering atomic.Bool
	stopped    atomic.Bool
	wake       chan struct{}
}

// NewEngine builds an Engine ready to be wired into a router and
// started once a transport exists. appliedIndex starts at -1 (nothing
// applied yet).
func NewEngine(cfg definition.Config, topo *topology.Manager, rtr *router.Router, transport topology.Sender, serializer wire.Serializer, sched *result.Scheduler, sm statemachine.StateMachine, store storage.Storage, log definition.Logger) *Engine {
	e := &Engine{
		self:          topology.NodeId(cfg.Self),
		topo:          topo,
		router:        rtr,
		transport:     transport,
		serializer:    serializer,
		sched:         sched,
		log:           log,
		sm:            sm,
		store:         store,
		batchSize:     cfg.BatchSizeOrDefault(),
		pipelineDepth: cfg.PipelineDepthOrDefault(),
		appliedIndex:  -1,
		slots:         make(map[int64]*phaseState),
		recentDecided: make(map[int64]wire.Decide),
		excluded:      make(map[topology.NodeId]bool),
		wake:          make(chan struct{}, 1),
	}
	e.wireRoutes(rtr)
	return e
}

func (e *Engine) wireRoutes(rtr *router.Router) {
	rtr.Register(wire.Propose{}, func(msg router.Message) { e.handlePropose(msg.(wire.Propose)) })
	rtr.Register(wire.State1{}, func(msg router.Message) { e.handleState1(msg.(wire.State1)) })
	rtr.Register(wire.State2{}, func(msg router.Message) { e.handleState2(msg.(wire.State2)) })
	rtr.Register(wire.Decide{}, func(msg router.Message) { e.handleDecide(msg.(wire.Decide)) })
	rtr.Register(wire.StateRequest{}, func(msg router.Message) { e.handleStateRequest(msg.(wire.StateRequest)) })
	rtr.Register(wire.StateResponse{}, func(msg router.Message) { e.handleStateResponse(msg.(wire.StateResponse)) })
}

// Start begins the proposal driver loop.
func (e *Engine) Start() {
	e.sched.Spawn(e.driveLoop)
}

// Stop halts the proposal driver; in-flight handlers already dispatched
// by the router still run to completion.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Submit enqueues a command for eventual inclusion in a batch. Safe
// for concurrent use.
func (e *Engine) Submit(command []byte) {
	uid, err := uuid.GenerateUUID()
	if err != nil {
		uid = "unavailable"
	}
	e.mu.Lock()
	e.proposalQueue = append(e.proposalQueue, command)
	e.mu.Unlock()
	e.log.Debugf("consensus: submitted command %s for eventual proposal", uid)
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) driveLoop() {
	for {
		select {
		case <-e.sched.Stopped():
			return
		case <-e.wake:
			if e.stopped.Load() {
				continue
			}
			e.maybePropose()
		}
	}
}

// maybePropose is the proactive path into ensureProposed: it only
// drives the current phase forward when this replica itself has
// pending commands to attach. A replica with nothing of its own
// queued stays silent until it observes another replica's Propose for
// the phase, at which point handlePropose's reactive call into
// ensureProposed makes it echo an empty proposal instead.
func (e *Engine) maybePropose() {
	e.mu.Lock()
	if e.recovering.Load() {
		e.mu.Unlock()
		return
	}
	phase := e.phase
	hasWork := len(e.proposalQueue) > 0
	e.mu.Unlock()
	if !hasWork {
		return
	}
	e.ensureProposed(phase)
}

// ensureProposed broadcasts this replica's Propose for phase, using up
// to batchSize pending commands, or an empty batch if none are
// pending, unless it has already proposed this phase. Only the first
// caller per phase actually broadcasts; every other caller is a no-op
// (spec.md section 4.5 step 1).
//
// The empty-batch path exists so a replica with no commands of its own
// still contributes its propose-quorum vote once it observes any
// activity for the phase (via handlePropose's reactive call below):
// without it, a phase could never reach quorum unless at least
// quorum-many replicas happened to have commands queued at the same
// time, which single-submitter traffic never satisfies.
func (e *Engine) ensureProposed(phase int64) {
	if e.recovering.Load() {
		return
	}

	ps := e.slot(phase)
	ps.mu.Lock()
	if ps.proposed {
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	e.mu.Lock()
	n := e.batchSize
	if n > len(e.proposalQueue) {
		n = len(e.proposalQueue)
	}
	commands := append([][]byte(nil), e.proposalQueue[:n]...)
	e.mu.Unlock()

	ps.mu.Lock()
	if ps.proposed {
		ps.mu.Unlock()
		return
	}
	batch := wire.Batch{Commands: commands, Fingerprint: fingerprint.Of(commands)}
	ps.proposed = true
	ps.ownBatch = batch
	ps.mu.Unlock()

	msg := wire.Propose{Sender: string(e.self), Phase: phase, Batch: batch}
	e.transport.Broadcast(msg)
	e.handlePropose(msg)
}

// slot returns the phaseState for phase, creating it if absent.
func (e *Engine) slot(phase int64) *phaseState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.slots[phase]
	if !ok {
		ps = newPhaseState()
		e.slots[phase] = ps
	}
	return ps
}

// belowFloor reports whether phase has already been committed, in
// which case any message about it is stale (spec.md section 4.5
// "Edge cases": stale view numbers/phases).
func (e *Engine) belowFloor(phase int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return phase < e.phase
}

func (e *Engine) isExcluded(id topology.NodeId) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.excluded[id]
}

// replyDecidedIfKnown answers a message about an already-decided phase
// with the recorded Decide, if this replica still has it, and drops
// it otherwise (spec.md section 4.5 "Edge cases").
func (e *Engine) replyDecidedIfKnown(phase int64, to topology.NodeId) {
	e.mu.Lock()
	d, ok := e.recentDecided[phase]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.transport.Send(to, d); err != nil {
		e.log.Debugf("consensus: failed replaying decided phase %d to %s: %v", phase, to, err)
	}
}
