// Package network implements the cluster network described in
// spec.md section 4.4: framed TCP transport, the Hello handshake,
// connection lifecycle, ping/pong liveness, and quorum tracking. It is
// the Netty-equivalent layer the spec calls for, built on net.Conn
// instead of an event-loop framework -- Go's net package already gives
// goroutine-per-connection concurrency for free, so there is no
// event-loop abstraction to reproduce.
package network

import (
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/topology"
)

// ConnectionEstablished is routed once a peer's Hello completes and
// its PeerLink is registered.
type ConnectionEstablished struct {
	ID topology.NodeId
}

func (ConnectionEstablished) Class() router.Class { return router.Local }

// ConnectionFailed is routed for an outbound channel when dialing
// fails, the Hello handshake times out, or a transport-level error
// closes the channel before it could register. Inbound channels that
// fail before Hello are closed without this notification.
type ConnectionFailed struct {
	ID    topology.NodeId
	Cause *result.Cause
}

func (ConnectionFailed) Class() router.Class { return router.Local }

// ViewChanged is routed any time the active peer set changes -- a new
// link registers or an existing one closes. A rejected duplicate link
// leaves the set unchanged and emits nothing.
type ViewChanged struct {
	View []topology.NodeId
}

func (ViewChanged) Class() router.Class { return router.Local }

// QuorumEstablished and QuorumDisappeared alternate strictly (spec.md
// section 8, invariant 3): the transition across the quorum threshold
// emits exactly one of these per edge.
type QuorumEstablished struct{}

func (QuorumEstablished) Class() router.Class { return router.Local }

type QuorumDisappeared struct{}

func (QuorumDisappeared) Class() router.Class { return router.Local }
