package network

import (
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/jabolina/rabia/pkg/rabia/topology"
)

// PeerLink is a channel handle bound to a single peer NodeId: one
// active link per ordered (self, peer) pair, created on a successful
// Hello and destroyed on close (spec.md section 3).
type PeerLink struct {
	ID     topology.NodeId
	conn   net.Conn
	active atomic.Bool

	writeMu sync.Mutex
}

func newPeerLink(id topology.NodeId, conn net.Conn) *PeerLink {
	l := &PeerLink{ID: id, conn: conn}
	l.active.Store(true)
	return l
}

// Active reports whether the link is still usable for writes.
func (l *PeerLink) Active() bool {
	return l.active.Load()
}

// Close marks the link inactive and closes the underlying connection.
// Safe to call more than once.
func (l *PeerLink) Close() {
	if l.active.CompareAndSwap(true, false) {
		_ = l.conn.Close()
	}
}
