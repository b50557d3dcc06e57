// Package cluster holds the authoritative membership of a cluster: the full set of
// configured nodes and which of them are active. Activation and deactivation are
// the only legal mutations, and both happen under a single lock per cluster, so no
// caller ever observes a membership snapshot taken mid-transition.
package cluster

import (
	"sync"
	"time"

	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Cluster is the membership registry.
type Cluster struct {
	Config
	// pub serializes event delivery. It is taken before mu is released so that
	// listeners see transitions in the order they were applied.
	pub sync.Mutex
	mu  struct {
		sync.RWMutex
		nodes     node.Group
		statuses  map[node.ID]*node.Status
		listeners []Listener
	}
}

// New builds a registry from nodes in configured order. Each node's Ordinal is set
// to its position in nodes. Nodes that are configured inactive are marked dirty, as
// nothing is known about their data.
func New(nodes []node.Node, cfg Config) (*Cluster, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cluster{Config: cfg}
	c.mu.statuses = make(map[node.ID]*node.Status, len(nodes))
	now := cfg.Now()
	for i, n := range nodes {
		if n.ID == "" {
			return nil, errors.Newf("[cluster] - node at position %d has no id", i)
		}
		if n.Weight < 0 {
			return nil, errors.Newf("[cluster] - node %s has negative weight", n.ID)
		}
		if _, ok := c.mu.statuses[n.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateNode, "[cluster] - %s", n.ID)
		}
		n.Ordinal = i
		if !n.Active {
			n.Dirty = true
		}
		c.mu.nodes = append(c.mu.nodes, n)
		c.mu.statuses[n.ID] = &node.Status{Node: n, Since: now, Reason: "configured"}
	}
	return c, nil
}

// Active returns a snapshot of the active nodes in configured order.
func (c *Cluster) Active() node.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.nodes.WhereActive()
}

// Nodes returns a snapshot of every configured node in configured order.
func (c *Cluster) Nodes() node.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.nodes.Copy()
}

// Node returns the node with the given ID.
func (c *Cluster) Node(id node.ID) (node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.nodes.Get(id)
}

// Statuses returns the administrative status of every node in configured order.
func (c *Cluster) Statuses() []node.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	statuses := make([]node.Status, len(c.mu.nodes))
	for i, n := range c.mu.nodes {
		statuses[i] = *c.mu.statuses[n.ID]
	}
	return statuses
}

// Deactivate transitions a node from active to inactive and marks it dirty. It
// returns false if the node was already inactive.
func (c *Cluster) Deactivate(id node.ID, reason string) (bool, error) {
	return c.transition(id, reason, Deactivated, func(n *node.Node) bool {
		if !n.Active {
			return false
		}
		n.Active, n.Dirty = false, true
		return true
	})
}

// Activate transitions a node from inactive to active and marks it clean. Callers
// must have brought the node's data to parity first; only synchronization should
// call Activate. It returns false if the node was already active.
func (c *Cluster) Activate(id node.ID, reason string) (bool, error) {
	return c.transition(id, reason, Activated, func(n *node.Node) bool {
		if n.Active {
			return false
		}
		n.Active, n.Dirty = true, false
		return true
	})
}

func (c *Cluster) transition(
	id node.ID,
	reason string,
	variant EventVariant,
	apply func(n *node.Node) bool,
) (bool, error) {
	c.mu.Lock()
	i := c.index(id)
	if i < 0 {
		c.mu.Unlock()
		return false, errors.Wrapf(ErrNodeNotFound, "%s", id)
	}
	if !apply(&c.mu.nodes[i]) {
		c.mu.Unlock()
		return false, nil
	}
	n, now := c.mu.nodes[i], c.Now()
	c.mu.statuses[id] = &node.Status{Node: n, Since: now, Reason: reason}
	listeners := append([]Listener(nil), c.mu.listeners...)
	c.pub.Lock()
	defer c.pub.Unlock()
	c.mu.Unlock()
	c.publish(listeners, Event{Node: n, Variant: variant, Reason: reason, Time: now})
	return true, nil
}

func (c *Cluster) index(id node.ID) int {
	for i, n := range c.mu.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// |||||| EVENTS ||||||

type EventVariant uint8

const (
	Activated EventVariant = iota + 1
	Deactivated
	Synchronized
	SyncFailed
)

func (v EventVariant) String() string {
	switch v {
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	case Synchronized:
		return "synchronized"
	case SyncFailed:
		return "sync_failed"
	}
	return "unknown"
}

// Event is emitted for every membership transition and synchronization outcome.
type Event struct {
	Node    node.Node
	Variant EventVariant
	Reason  string
	Time    time.Time
}

// Listener receives events synchronously after the transition that produced them
// has been applied, one event at a time and in transition order. Listeners must not
// block and must not transition the cluster themselves.
type Listener func(Event)

// Observe registers a listener for membership events.
func (c *Cluster) Observe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.listeners = append(c.mu.listeners, l)
}

// Publish emits an event that was not produced by a membership transition, such as
// the outcome of a synchronization.
func (c *Cluster) Publish(variant EventVariant, n node.Node, reason string) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.mu.listeners...)
	c.pub.Lock()
	defer c.pub.Unlock()
	c.mu.RUnlock()
	c.publish(listeners, Event{Node: n, Variant: variant, Reason: reason, Time: c.Now()})
}

func (c *Cluster) publish(listeners []Listener, e Event) {
	fields := []zap.Field{
		zap.String("node", string(e.Node.ID)),
		zap.Stringer("event", e.Variant),
		zap.String("reason", e.Reason),
		zap.Time("time", e.Time),
	}
	if e.Variant == SyncFailed {
		c.Logger.Warn("membership", fields...)
	} else {
		c.Logger.Info("membership", fields...)
	}
	for _, l := range listeners {
		l(e)
	}
}
