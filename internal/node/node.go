package node

import (
	"fmt"
	"time"
)

// ID uniquely identifies a backend database within a cluster. Equality of nodes is
// always by ID, never by connection state.
type ID string

func (id ID) String() string { return string(id) }

// Node is a single backend database participating in the cluster.
type Node struct {
	// ID is the unique identifier for the node.
	ID ID
	// Location is the connection string used to open a physical connection to the
	// node's backend.
	Location string
	// Weight is the relative read weight of the node. A weight of zero excludes the
	// node from read balancing while it still receives writes.
	Weight int
	// Ordinal is the node's position in configured order. Lower ordinals win every
	// tie-break.
	Ordinal int
	// Active is true when the node is eligible to receive traffic.
	Active bool
	// Dirty is true when the node's data may have diverged from the active set and
	// requires synchronization before reactivation.
	Dirty bool
}

func (n Node) String() string {
	return fmt.Sprintf("%s(ordinal=%d, active=%t, dirty=%t)", n.ID, n.Ordinal, n.Active, n.Dirty)
}

// Status is a read-only view of a node handed to the administrative surface.
type Status struct {
	Node
	// Since is the time of the node's last activation state transition.
	Since time.Time
	// Reason is the reason recorded with the last transition.
	Reason string
}
