// Package balancer selects backend nodes for reads and writes. A Balancer never
// owns membership: it is handed a snapshot of the active nodes on every call.
package balancer

import (
	"sort"
	"time"

	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
)

var (
	// ErrNoActiveNodes is returned when a selection is requested from an empty
	// (or entirely zero weight) set of nodes.
	ErrNoActiveNodes = errors.New("no active nodes")
	// ErrUnknownPolicy is returned for an unrecognized balancer identifier.
	ErrUnknownPolicy = errors.New("unknown balancer policy")
)

// Balancer selects nodes from a snapshot of the active set.
type Balancer interface {
	// Next selects a single node to serve a read.
	Next(active node.Group) (node.Node, error)
	// All returns every node that must receive a write, in configured order.
	All(active node.Group) node.Group
}

// Tracker is implemented by balancers that account for in-flight requests. The
// invocation layer calls Begin before and End after every dispatch to a node.
type Tracker interface {
	Begin(id node.ID)
	End(id node.ID)
}

const (
	Simple     = "simple"
	Random     = "random"
	RoundRobin = "round-robin"
	Load       = "load"
)

var factories = map[string]func() Balancer{
	Simple:     func() Balancer { return &simple{} },
	Random:     func() Balancer { return NewRandom(time.Now().UnixNano()) },
	RoundRobin: func() Balancer { return &roundRobin{} },
	Load:       func() Balancer { return NewLoad(DefaultLoadDecay) },
}

// New returns a new balancer for the given policy identifier.
func New(id string) (Balancer, error) {
	f, ok := factories[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPolicy, "%q", id)
	}
	return f(), nil
}

// Validate returns an error if id is not a known policy.
func Validate(id string) error {
	if _, ok := factories[id]; !ok {
		return errors.Wrapf(ErrUnknownPolicy, "%q", id)
	}
	return nil
}

// Policies returns the known policy identifiers in lexical order.
func Policies() []string {
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDOf returns the policy identifier of b.
func IDOf(b Balancer) (string, error) {
	switch b.(type) {
	case *simple:
		return Simple, nil
	case *random:
		return Random, nil
	case *roundRobin:
		return RoundRobin, nil
	case *load:
		return Load, nil
	}
	return "", errors.Wrapf(ErrUnknownPolicy, "%T", b)
}

func all(active node.Group) node.Group { return active.Sorted() }

// |||||| SIMPLE ||||||

// simple always selects the first node in configured order. It is the primary
// read policy.
type simple struct{}

// NewSimple returns the fixed, first-in-order balancer.
func NewSimple() Balancer { return &simple{} }

func (s *simple) Next(active node.Group) (node.Node, error) {
	n, ok := active.First()
	if !ok {
		return node.Node{}, ErrNoActiveNodes
	}
	return n, nil
}

func (s *simple) All(active node.Group) node.Group { return all(active) }
