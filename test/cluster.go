// Package test provides an in-process multi-replica harness for the
// integration-level scenarios in spec.md section 8, the way the
// teacher's test.UnityCluster wired several Unity instances together
// over an in-process Invoker instead of real sockets.
package test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/rabia/pkg/rabia/consensus"
	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/statemachine"
	"github.com/jabolina/rabia/pkg/rabia/storage"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// meshTransport routes Send/Broadcast directly between in-process
// routers, standing in for real TCP so scenario tests run fast and
// deterministically. A node can be partitioned from a subset of peers
// by adding its id to cut, which drops any message exchanged with a
// peer on the other side of the cut.
type meshTransport struct {
	self topology.NodeId
	mesh *mesh
}

type mesh struct {
	mu      sync.RWMutex
	routers map[topology.NodeId]*router.Router
	cut     map[topology.NodeId]map[topology.NodeId]bool
}

func newMesh() *mesh {
	return &mesh{
		routers: make(map[topology.NodeId]*router.Router),
		cut:     make(map[topology.NodeId]map[topology.NodeId]bool),
	}
}

func (m *mesh) register(id topology.NodeId, rtr *router.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[id] = rtr
}

// unregister drops id from the mesh entirely, so Send/Broadcast can no
// longer reach it and it is excluded from every future Broadcast fan
// out, modeling spec.md section 4.4's "crashed replicas are dropped by
// the network layer" rather than merely stopping its own scheduler.
func (m *mesh) unregister(id topology.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routers, id)
}

// partition cuts communication between every node in left and every
// node in right, simulating a network split (spec.md section 8, S4).
func (m *mesh) partition(left, right []topology.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range left {
		if m.cut[a] == nil {
			m.cut[a] = make(map[topology.NodeId]bool)
		}
		for _, b := range right {
			m.cut[a][b] = true
			if m.cut[b] == nil {
				m.cut[b] = make(map[topology.NodeId]bool)
			}
			m.cut[b][a] = true
		}
	}
}

// heal removes every partition cut, restoring full connectivity.
func (m *mesh) heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cut = make(map[topology.NodeId]map[topology.NodeId]bool)
}

func (m *mesh) blocked(a, b topology.NodeId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cut[a] != nil && m.cut[a][b]
}

func (t *meshTransport) Send(id topology.NodeId, msg interface{}) error {
	if t.mesh.blocked(t.self, id) {
		return fmt.Errorf("mesh: %s is partitioned from %s", t.self, id)
	}
	t.mesh.mu.RLock()
	rtr, ok := t.mesh.routers[id]
	t.mesh.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mesh: no such node %s", id)
	}
	rtr.Route(msg.(router.Message))
	return nil
}

func (t *meshTransport) Broadcast(msg interface{}) {
	t.mesh.mu.RLock()
	type target struct {
		id  topology.NodeId
		rtr *router.Router
	}
	var targets []target
	for id, rtr := range t.mesh.routers {
		if id == t.self {
			continue
		}
		targets = append(targets, target{id, rtr})
	}
	t.mesh.mu.RUnlock()
	for _, tg := range targets {
		if t.mesh.blocked(t.self, tg.id) {
			continue
		}
		tg.rtr.Route(msg.(router.Message))
	}
}

// Replica is one node of a Cluster: the wiring a real process would
// assemble in cmd/replica, minus the TCP listener.
type Replica struct {
	ID     topology.NodeId
	Engine *consensus.Engine
	SM     *statemachine.KV
	sched  *result.Scheduler
}

// Cluster is a set of Replicas sharing an in-process mesh, used to
// exercise the multi-node scenarios in spec.md section 8.
type Cluster struct {
	t        *testing.T
	Replicas map[topology.NodeId]*Replica
	mesh     *mesh
}

// NewCluster builds n replicas named "node-0".."node-(n-1)" and wires
// them onto a shared in-process mesh, but does not start them. Every
// replica uses the default pipeline depth and batch size.
func NewCluster(t *testing.T, n int) *Cluster {
	return NewClusterWithConfig(t, n, 0, 0)
}

// NewClusterWithConfig is NewCluster with explicit pipeline-depth and
// batch-size overrides, used by scenarios that need a deterministic
// number of phases (a small batch size) or a deterministic
// recovery/state-transfer trigger (a small pipeline depth), per
// spec.md section 8, S4.
func NewClusterWithConfig(t *testing.T, n int, pipelineDepth int, batchSize int) *Cluster {
	t.Helper()
	m := newMesh()
	coreNodes := make([]definition.CoreNode, n)
	for i := 0; i < n; i++ {
		coreNodes[i] = definition.CoreNode{ID: fmt.Sprintf("node-%d", i), Host: "127.0.0.1", Port: 9000 + i}
	}

	replicas := make(map[topology.NodeId]*Replica, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i)
		log := definition.NewDefaultLogger("test-" + id)
		rtr := router.New(log)
		sched := result.NewScheduler()
		cfg := definition.Config{Self: id, CoreNodes: coreNodes, PipelineDepth: pipelineDepth, BatchSize: batchSize}
		topo, err := topology.NewManager(cfg, rtr, sched, log)
		require.NoError(t, err)

		sm := statemachine.NewKV()
		store := storage.NewInMemory()
		transport := &meshTransport{self: topology.NodeId(id), mesh: m}
		serializer := wire.NewMsgpackSerializer()

		engine := consensus.NewEngine(cfg, topo, rtr, transport, serializer, sched, sm, store, log)
		m.register(topology.NodeId(id), rtr)

		replicas[topology.NodeId(id)] = &Replica{ID: topology.NodeId(id), Engine: engine, SM: sm, sched: sched}
	}

	return &Cluster{t: t, Replicas: replicas, mesh: m}
}

// StartAll starts every replica's consensus engine.
func (c *Cluster) StartAll() {
	for _, r := range c.Replicas {
		r.Engine.Start()
	}
}

// StopAll stops every replica's scheduler, shutting down its driver
// loop.
func (c *Cluster) StopAll() {
	for _, r := range c.Replicas {
		r.sched.Stop()
	}
}

// Crash removes a replica from the running set without a clean Stop
// and unregisters it from the mesh, modeling spec.md section 4.4's
// "crashed replicas are dropped by the network layer" for spec.md
// section 8's S3: Send/Broadcast to it now fail/no-op instead of still
// reaching its engine, which would otherwise keep handling
// Propose/State1/State2/Decide and voting as if it were still alive.
func (c *Cluster) Crash(id topology.NodeId) {
	if r, ok := c.Replicas[id]; ok {
		r.sched.Stop()
		delete(c.Replicas, id)
		c.mesh.unregister(id)
	}
}

// Partition splits the mesh into two groups that cannot exchange
// messages, for spec.md section 8's S4.
func (c *Cluster) Partition(left, right []string) {
	toIDs := func(ids []string) []topology.NodeId {
		out := make([]topology.NodeId, len(ids))
		for i, id := range ids {
			out[i] = topology.NodeId(id)
		}
		return out
	}
	c.mesh.partition(toIDs(left), toIDs(right))
}

// Heal restores full mesh connectivity after a Partition.
func (c *Cluster) Heal() {
	c.mesh.heal()
}

// AwaitDigestConverge polls every running replica's state machine
// digest until they all match, or fails the test after timeout.
func (c *Cluster) AwaitDigestConverge(timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		digests := make(map[topology.NodeId]string, len(c.Replicas))
		for id, r := range c.Replicas {
			digests[id] = r.SM.Digest()
		}
		if allEqual(digests) {
			return
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("replicas did not converge within %s: %v", timeout, digests)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func allEqual(digests map[topology.NodeId]string) bool {
	var first string
	seen := false
	for _, d := range digests {
		if !seen {
			first = d
			seen = true
			continue
		}
		if d != first {
			return false
		}
	}
	return true
}

// AwaitKey polls a single replica's store until key is present with
// value want, or fails after timeout. It cannot wait for a key's
// absence; callers check that themselves.
func (c *Cluster) AwaitKey(id topology.NodeId, key, want string, timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		v, ok := c.Replicas[id].SM.Snapshot()[key]
		if ok && v == want {
			return
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("replica %s never reached %s=%s (last seen %q, present=%v)", id, key, want, v, ok)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
