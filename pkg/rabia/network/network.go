package network

import (
	"crypto/tls"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// Network is the cluster's framed-TCP transport: connection lifecycle,
// the Hello handshake, ping/pong liveness, and quorum tracking, all
// described in spec.md section 4.4.
type Network struct {
	self         topology.NodeId
	topo         *topology.Manager
	router       *router.Router
	serializer   wire.Serializer
	scheduler    *result.Scheduler
	log          definition.Logger
	maxFrameSize int
	helloTimeout time.Duration
	pingInterval time.Duration
	tlsConfig    *definition.TLSProfile

	listener net.Listener

	mu    sync.RWMutex
	links map[topology.NodeId]*PeerLink

	quorumEstablished atomic.Bool
	stopped           atomic.Bool
}

// New builds a Network bound to the given topology and router. It
// does not start listening or connecting until Listen/Start are
// called.
func New(cfg definition.Config, topo *topology.Manager, rtr *router.Router, serializer wire.Serializer, sched *result.Scheduler, log definition.Logger) *Network {
	n := &Network{
		self:         topology.NodeId(cfg.Self),
		topo:         topo,
		router:       rtr,
		serializer:   serializer,
		scheduler:    sched,
		log:          log,
		maxFrameSize: cfg.FrameSizeOrDefault(),
		helloTimeout: cfg.HelloTimeoutOrDefault(),
		pingInterval: cfg.PingIntervalOrDefault(),
		tlsConfig:    &cfg.TLS,
		links:        make(map[topology.NodeId]*PeerLink),
	}
	n.wireRoutes(rtr)
	return n
}

func (n *Network) wireRoutes(rtr *router.Router) {
	rtr.Register(topology.ConnectNode{}, func(msg router.Message) {
		id := msg.(topology.ConnectNode).ID
		n.scheduler.Spawn(func() { n.connectTo(id) })
	})
	rtr.Register(topology.DisconnectNode{}, func(msg router.Message) {
		id := msg.(topology.DisconnectNode).ID
		n.removeLink(id)
	})
	rtr.Register(topology.ListConnectedNodesRequest{}, func(router.Message) {
		n.router.Route(topology.ConnectedNodesReport{Connected: n.connectedIDs()})
	})
}

// Listen starts accepting inbound connections on address.
func (n *Network) Listen(address string) error {
	var listener net.Listener
	var err error

	if n.tlsConfig.Enabled() {
		cfg, cerr := buildTLSConfig(*n.tlsConfig)
		if cerr != nil {
			return cerr
		}
		listener, err = tls.Listen("tcp", address, cfg)
	} else {
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		return result.Wrap(result.KindTransport, "listen", err)
	}

	n.listener = listener
	n.scheduler.Spawn(n.acceptLoop)
	return nil
}

// Start wires this Network as the topology Manager's Sender and
// begins the randomized-interval ping loop.
func (n *Network) Start() {
	n.topo.Start(n)
	n.scheduler.Spawn(n.pingLoop)
}

// Stop closes the listener and every peer link. QuorumDisappeared is
// always emitted on stop, per spec.md section 4.4.
func (n *Network) Stop() {
	if !n.stopped.CompareAndSwap(false, true) {
		return
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}

	n.mu.Lock()
	links := make([]*PeerLink, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.links = make(map[topology.NodeId]*PeerLink)
	n.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	n.router.Route(QuorumDisappeared{})
}

func (n *Network) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.stopped.Load() {
				return
			}
			n.log.Warnf("network: accept error: %v", err)
			continue
		}
		n.scheduler.Spawn(func() { n.handleNewConnection(conn, nil) })
	}
}

func (n *Network) connectTo(id topology.NodeId) {
	info, ok := n.topo.Get(id)
	if !ok {
		return
	}

	dialer := net.Dialer{Timeout: n.helloTimeout}
	var conn net.Conn
	var err error
	if n.tlsConfig.Enabled() {
		cfg, cerr := buildTLSConfig(*n.tlsConfig)
		if cerr != nil {
			n.log.Errorf("network: tls config for dial to %s: %v", id, cerr)
			return
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", info.Address.String(), cfg)
	} else {
		conn, err = dialer.Dial("tcp", info.Address.String())
	}
	if err != nil {
		n.router.Route(ConnectionFailed{ID: id, Cause: result.Wrap(result.KindTransport, "dial", err)})
		return
	}

	target := id
	n.handleNewConnection(conn, &target)
}

// handleNewConnection drives the Hello handshake for both inbound and
// outbound channels: each side sends its own Hello as soon as the
// channel opens, then waits up to helloTimeout for the peer's Hello
// before dispatching anything else, per spec.md section 4.4 steps 1-2.
func (n *Network) handleNewConnection(conn net.Conn, expected *topology.NodeId) {
	if err := wire.WriteEnvelope(conn, n.serializer, wire.Hello{Sender: string(n.self)}); err != nil {
		_ = conn.Close()
		if expected != nil {
			n.router.Route(ConnectionFailed{ID: *expected, Cause: result.Wrap(result.KindTransport, "send hello", err)})
		}
		return
	}

	type read struct {
		msg interface{}
		err error
	}
	ch := make(chan read, 1)
	n.scheduler.Spawn(func() {
		msg, err := wire.ReadEnvelope(conn, n.serializer, n.maxFrameSize)
		ch <- read{msg, err}
	})

	timer := time.NewTimer(n.helloTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		_ = conn.Close()
		if expected != nil {
			n.router.Route(ConnectionFailed{ID: *expected, Cause: result.Timeout("hello handshake timed out")})
		}
		return
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
			if expected != nil {
				n.router.Route(ConnectionFailed{ID: *expected, Cause: result.Wrap(result.KindTransport, "read hello", r.err)})
			}
			return
		}
		hello, ok := r.msg.(*wire.Hello)
		if !ok {
			n.log.Warnf("network: expected Hello first, got %T, closing", r.msg)
			_ = conn.Close()
			return
		}
		n.onHello(conn, hello)
	}
}

// onHello completes the handshake: learns the peer if unknown,
// registers the link, and bootstraps topology for newly learned peers
// (spec.md section 4.4 step 3).
func (n *Network) onHello(conn net.Conn, hello *wire.Hello) {
	id := topology.NodeId(hello.Sender)

	_, knownBefore := n.topo.Get(id)
	if !knownBefore {
		tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			n.log.Warnf("network: peer %s has no resolvable TCP remote address, closing", id)
			_ = conn.Close()
			return
		}
		info := topology.NodeInfo{ID: id, Address: topology.NodeAddress{Host: tcpAddr.IP.String(), Port: tcpAddr.Port}}
		n.router.Route(wire.AddNode{Node: toTriple(info)})
	}

	link := newPeerLink(id, conn)
	if !n.putIfAbsent(id, link) {
		_ = conn.Close()
		return
	}

	n.recomputeQuorum()
	n.router.Route(ConnectionEstablished{ID: id})
	n.emitViewChanged()

	if !knownBefore {
		if err := n.sendOn(link, wire.DiscoverNodes{Sender: string(n.self)}); err != nil {
			n.log.Warnf("network: failed bootstrapping discovery to %s: %v", id, err)
		}
	}

	n.readLoop(link)
}

func (n *Network) putIfAbsent(id topology.NodeId, link *PeerLink) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.links[id]; exists {
		return false
	}
	n.links[id] = link
	return true
}

// readLoop dispatches every subsequent frame on an established link to
// the router, until the remote end closes or a transport error occurs.
func (n *Network) readLoop(link *PeerLink) {
	for {
		msg, err := wire.ReadEnvelope(link.conn, n.serializer, n.maxFrameSize)
		if err != nil {
			n.removeLink(link.ID)
			return
		}
		n.dispatch(msg)
	}
}

// dispatch type-switches a decoded message and routes it by value, so
// router registrations (which key on value types) match regardless of
// the pointer types wire.Decode hands back.
func (n *Network) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case *wire.Ping:
		n.handlePing(*m)
	case *wire.Pong:
		n.log.Debugf("network: pong from %s", m.Sender)
	case *wire.AddNode:
		n.router.Route(*m)
	case *wire.RemoveNode:
		n.router.Route(*m)
	case *wire.DiscoverNodes:
		n.router.Route(*m)
	case *wire.DiscoveredNodes:
		n.router.Route(*m)
	case *wire.Propose:
		n.router.Route(*m)
	case *wire.State1:
		n.router.Route(*m)
	case *wire.State2:
		n.router.Route(*m)
	case *wire.Decide:
		n.router.Route(*m)
	case *wire.StateRequest:
		n.router.Route(*m)
	case *wire.StateResponse:
		n.router.Route(*m)
	default:
		n.log.Warnf("network: unrecognized decoded message %T, dropping", msg)
	}
}

func (n *Network) handlePing(ping wire.Ping) {
	if err := n.Send(topology.NodeId(ping.Sender), wire.Pong{Sender: string(n.self)}); err != nil {
		n.log.Debugf("network: failed replying pong to %s: %v", ping.Sender, err)
	}
}

func (n *Network) removeLink(id topology.NodeId) {
	n.mu.Lock()
	link, ok := n.links[id]
	if ok {
		delete(n.links, id)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	link.Close()
	n.recomputeQuorum()
	n.emitViewChanged()
}

func (n *Network) recomputeQuorum() {
	n.mu.RLock()
	count := len(n.links) + 1
	n.mu.RUnlock()

	haveQuorum := count >= n.topo.QuorumSize()
	if haveQuorum {
		if n.quorumEstablished.CompareAndSwap(false, true) {
			n.router.Route(QuorumEstablished{})
		}
	} else if n.quorumEstablished.CompareAndSwap(true, false) {
		n.router.Route(QuorumDisappeared{})
	}
}

func (n *Network) emitViewChanged() {
	n.router.Route(ViewChanged{View: n.View()})
}

// View returns the sorted list of (self, connected peer ids),
// providing deterministic leader/tiebreak input (spec.md section 4.4).
func (n *Network) View() []topology.NodeId {
	n.mu.RLock()
	view := make([]topology.NodeId, 0, len(n.links)+1)
	view = append(view, n.self)
	for id := range n.links {
		view = append(view, id)
	}
	n.mu.RUnlock()

	sort.Slice(view, func(i, j int) bool { return view[i] < view[j] })
	return view
}

func (n *Network) connectedIDs() []topology.NodeId {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]topology.NodeId, 0, len(n.links))
	for id := range n.links {
		out = append(out, id)
	}
	return out
}

// Send writes msg to the peer link for id, implementing
// topology.Sender. An inactive link is removed and a view change is
// emitted (spec.md section 4.4, "Send semantics"). For an absent link
// Send only returns the error; no view change is emitted.
func (n *Network) Send(id topology.NodeId, msg interface{}) error {
	n.mu.RLock()
	link, ok := n.links[id]
	n.mu.RUnlock()

	if !ok || !link.Active() {
		if ok {
			n.removeLink(id)
		}
		return result.NewCause(result.KindTransport, "channel not active for peer "+string(id))
	}
	return n.sendOn(link, msg)
}

// Broadcast fans msg out to every currently active link.
func (n *Network) Broadcast(msg interface{}) {
	n.mu.RLock()
	links := make([]*PeerLink, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.RUnlock()

	for _, l := range links {
		if err := n.sendOn(l, msg); err != nil {
			n.log.Debugf("network: broadcast to %s failed: %v", l.ID, err)
		}
	}
}

func (n *Network) sendOn(link *PeerLink, msg interface{}) error {
	link.writeMu.Lock()
	defer link.writeMu.Unlock()

	if err := wire.WriteEnvelope(link.conn, n.serializer, msg); err != nil {
		n.removeLink(link.ID)
		return result.Wrap(result.KindTransport, "send", err)
	}
	return nil
}

// pingLoop sends Ping to one random connected peer at a time, at
// pingInterval scaled by a uniform +/-30% jitter (spec.md section
// 4.4, "Liveness").
func (n *Network) pingLoop() {
	for {
		jittered := jitter(n.pingInterval)
		timer := time.NewTimer(jittered)
		select {
		case <-n.scheduler.Stopped():
			timer.Stop()
			return
		case <-timer.C:
		}

		peers := n.connectedIDs()
		if len(peers) == 0 {
			continue
		}
		target := peers[rand.Intn(len(peers))]
		if err := n.Send(target, wire.Ping{Sender: string(n.self)}); err != nil {
			n.log.Debugf("network: ping to %s failed: %v", target, err)
		}
	}
}

func jitter(base time.Duration) time.Duration {
	// +/-30% uniform jitter around base.
	delta := float64(base) * 0.3
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

func toTriple(info topology.NodeInfo) wire.NodeTriple {
	return wire.NodeTriple{ID: string(info.ID), Host: info.Address.Host, Port: info.Address.Port}
}
