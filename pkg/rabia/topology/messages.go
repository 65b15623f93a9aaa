package topology

import "github.com/jabolina/rabia/pkg/rabia/router"

// ConnectNode is routed by the Manager's reconciliation loop (and by
// AddNode's first-transition emission) asking the network layer to
// open a connection to id. It is Local: it never leaves the process.
type ConnectNode struct {
	ID NodeId
}

func (ConnectNode) Class() router.Class { return router.Local }

// DisconnectNode is the symmetric emission on a first RemoveNode
// transition.
type DisconnectNode struct {
	ID NodeId
}

func (DisconnectNode) Class() router.Class { return router.Local }

// ListConnectedNodesRequest is routed on every reconciliation tick;
// the network layer answers with ConnectedNodesReport.
type ListConnectedNodesRequest struct{}

func (ListConnectedNodesRequest) Class() router.Class { return router.Local }

// ConnectedNodesReport is the network layer's answer to
// ListConnectedNodesRequest: every peer id it currently holds an
// active PeerLink for.
type ConnectedNodesReport struct {
	Connected []NodeId
}

func (ConnectedNodesReport) Class() router.Class { return router.Local }

// Sender is the narrow capability the Manager needs from the network
// layer to answer DiscoverNodes directly, without the network ever
// reaching back into topology's mutating methods (spec.md section 9's
// note on breaking the network/topology cycle via message-passing:
// that note constrains the network's calls into topology, not the
// other way around, so topology depends on this interface rather than
// a concrete network type).
type Sender interface {
	Send(id NodeId, msg interface{}) error
	Broadcast(msg interface{})
}
