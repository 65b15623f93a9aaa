// Package topology maintains the cluster's node registry: the set of
// known members, the self node, and the derived cluster/quorum sizes
// every other component needs (spec.md section 4.3).
package topology

import "fmt"

// NodeId is an opaque, stable, totally-orderable identifier for a
// cluster member. It is immutable once assigned at config load.
type NodeId string

// NodeAddress is a resolvable (host, port) pair. Two NodeInfo entries
// in the same topology snapshot never share an address.
type NodeAddress struct {
	Host string
	Port int
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Valid reports whether the address has a usable host and a port in
// the 1..65535 range, per the NodeAddress invariant in spec.md
// section 3.
func (a NodeAddress) Valid() bool {
	return a.Host != "" && a.Port > 0 && a.Port <= 65535
}

// NodeInfo binds a NodeId to the address it is reachable at. Within a
// single Topology snapshot, NodeId and NodeAddress are in 1:1
// correspondence.
type NodeInfo struct {
	ID      NodeId
	Address NodeAddress
}
