package topology

import (
	"sync"
	"time"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// Manager is the atomic id<->NodeInfo / address<->id registry
// described in spec.md section 4.3. There is a single Manager
// implementation, with routes wired once in NewManager -- the
// teacher's two subtly-different TcpTopologyManager copies don't have
// an analogue here (spec.md section 9's open question about which one
// is authoritative is moot for a from-scratch design).
type Manager struct {
	mu        sync.RWMutex
	self      NodeId
	byID      map[NodeId]NodeInfo
	byAddress map[NodeAddress]NodeId

	reconciliationInterval time.Duration
	pingInterval           time.Duration
	helloTimeout           time.Duration

	sender    Sender
	router    *router.Router
	scheduler *result.Scheduler
	log       definition.Logger
}

// NewManager builds a Manager seeded with the configured core nodes,
// registers its router handlers, and returns it without starting the
// reconciliation loop -- call Start once a Sender is available.
func NewManager(cfg definition.Config, rtr *router.Router, sched *result.Scheduler, log definition.Logger) (*Manager, error) {
	m := &Manager{
		self:                   NodeId(cfg.Self),
		byID:                   make(map[NodeId]NodeInfo),
		byAddress:              make(map[NodeAddress]NodeId),
		reconciliationInterval: cfg.ReconciliationIntervalOrDefault(),
		pingInterval:           cfg.PingIntervalOrDefault(),
		helloTimeout:           cfg.HelloTimeoutOrDefault(),
		router:                 rtr,
		scheduler:              sched,
		log:                    log,
	}

	for _, n := range cfg.CoreNodes {
		info := NodeInfo{ID: NodeId(n.ID), Address: NodeAddress{Host: n.Host, Port: n.Port}}
		m.byID[info.ID] = info
		m.byAddress[info.Address] = info.ID
	}

	if _, ok := m.byID[m.self]; !ok {
		return nil, result.NewCause(result.KindTopology, "self node id is not present in core nodes")
	}

	m.wireRoutes(rtr)
	return m, nil
}

// wireRoutes binds the Manager's handlers once, at construction, per
// the "constructor-wired routes are authoritative" decision recorded
// in SPEC_FULL.md.
func (m *Manager) wireRoutes(rtr *router.Router) {
	rtr.Register(wire.AddNode{}, func(msg router.Message) {
		add := msg.(wire.AddNode)
		m.applyAddNode(fromTriple(add.Node))
	})
	rtr.Register(wire.RemoveNode{}, func(msg router.Message) {
		rm := msg.(wire.RemoveNode)
		m.applyRemoveNode(NodeId(rm.ID))
	})
	rtr.Register(wire.DiscoverNodes{}, func(msg router.Message) {
		req := msg.(wire.DiscoverNodes)
		m.handleDiscoverNodes(req)
	})
	rtr.Register(wire.DiscoveredNodes{}, func(msg router.Message) {
		discovered := msg.(wire.DiscoveredNodes)
		m.mergeDiscovered(discovered.Nodes)
	})
	rtr.Register(ConnectedNodesReport{}, func(msg router.Message) {
		report := msg.(ConnectedNodesReport)
		m.reconcile(report.Connected)
	})
}

// Start attaches the Sender used to answer DiscoverNodes and begins
// the periodic reconciliation loop. Must be called once, after the
// network layer exists.
func (m *Manager) Start(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()

	m.scheduler.Spawn(func() {
		ticker := time.NewTicker(m.reconciliationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.scheduler.Stopped():
				return
			case <-ticker.C:
				m.router.Route(ListConnectedNodesRequest{})
			}
		}
	})
}

// Self returns this process's own NodeInfo.
func (m *Manager) Self() NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[m.self]
}

// Get returns the NodeInfo known for id, if any.
func (m *Manager) Get(id NodeId) (NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.byID[id]
	return info, ok
}

// ReverseLookup finds the NodeId registered at addr, if any.
func (m *Manager) ReverseLookup(addr NodeAddress) (NodeId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAddress[addr]
	return id, ok
}

// ClusterSize returns the total number of known members, including self.
func (m *Manager) ClusterSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// QuorumSize returns floor(n/2)+1.
func (m *Manager) QuorumSize() int {
	n := m.ClusterSize()
	return n/2 + 1
}

// FPlusOne returns n - quorum + 1, the smallest majority fragment that
// must agree for the Rabia decision rule in spec.md section 4.5 step 4.
func (m *Manager) FPlusOne() int {
	n := m.ClusterSize()
	return n - m.QuorumSize() + 1
}

// MaxFaults returns floor((n-1)/2), the glossary's f.
func (m *Manager) MaxFaults() int {
	n := m.ClusterSize()
	return (n - 1) / 2
}

// PingInterval returns the configured base liveness period.
func (m *Manager) PingInterval() time.Duration {
	return m.pingInterval
}

// HelloTimeout returns the configured handshake timeout.
func (m *Manager) HelloTimeout() time.Duration {
	return m.helloTimeout
}

// Members returns a snapshot of every known NodeInfo.
func (m *Manager) Members() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, 0, len(m.byID))
	for _, info := range m.byID {
		out = append(out, info)
	}
	return out
}

// applyAddNode atomically registers info if unseen. Only the first
// transition emits ConnectNode, per spec.md section 4.3.
func (m *Manager) applyAddNode(info NodeInfo) {
	m.mu.Lock()
	_, exists := m.byID[info.ID]
	if !exists {
		m.byID[info.ID] = info
		m.byAddress[info.Address] = info.ID
	}
	m.mu.Unlock()

	if !exists {
		m.router.Route(ConnectNode{ID: info.ID})
	}
}

// applyRemoveNode atomically deregisters id. Only the first transition
// emits DisconnectNode.
func (m *Manager) applyRemoveNode(id NodeId) {
	m.mu.Lock()
	info, exists := m.byID[id]
	if exists {
		delete(m.byID, id)
		delete(m.byAddress, info.Address)
	}
	m.mu.Unlock()

	if exists {
		m.router.Route(DisconnectNode{ID: id})
	}
}

// mergeDiscovered performs a union-merge of a peer's reported
// membership: nodes are added, never removed, preserving invariant 5
// in spec.md section 8 ("Topology monotonicity via discovery").
func (m *Manager) mergeDiscovered(nodes []wire.NodeTriple) {
	for _, n := range nodes {
		m.applyAddNode(fromTriple(n))
	}
}

// handleDiscoverNodes answers a DiscoverNodes request with this
// node's full known membership.
func (m *Manager) handleDiscoverNodes(req wire.DiscoverNodes) {
	m.mu.RLock()
	sender := m.sender
	triples := make([]wire.NodeTriple, 0, len(m.byID))
	for _, info := range m.byID {
		triples = append(triples, toTriple(info))
	}
	self := m.self
	m.mu.RUnlock()

	if sender == nil {
		return
	}
	reply := wire.DiscoveredNodes{Sender: string(self), Nodes: triples}
	if err := sender.Send(NodeId(req.Sender), reply); err != nil {
		m.log.Warnf("topology: failed answering DiscoverNodes from %s: %v", req.Sender, err)
	}
}

// reconcile diffs the network layer's reported connected set against
// known members and routes ConnectNode for whichever peer is missing,
// per spec.md section 4.3.
func (m *Manager) reconcile(connected []NodeId) {
	connectedSet := make(map[NodeId]struct{}, len(connected))
	for _, id := range connected {
		connectedSet[id] = struct{}{}
	}

	m.mu.RLock()
	self := m.self
	missing := make([]NodeId, 0)
	for id := range m.byID {
		if id == self {
			continue
		}
		if _, ok := connectedSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range missing {
		m.router.Route(ConnectNode{ID: id})
	}
}

func toTriple(info NodeInfo) wire.NodeTriple {
	return wire.NodeTriple{ID: string(info.ID), Host: info.Address.Host, Port: info.Address.Port}
}

func fromTriple(t wire.NodeTriple) NodeInfo {
	return NodeInfo{ID: NodeId(t.ID), Address: NodeAddress{Host: t.Host, Port: t.Port}}
}
