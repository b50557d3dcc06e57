package balancer

import (
	"sync"

	"github.com/arya-analytics/hadb/internal/node"
)

// roundRobin cycles through weighted nodes in ordinal order. The cursor is the
// ordinal of the last visited node, so a membership change never causes a node to
// be skipped or visited twice within a cycle of stable membership.
type roundRobin struct {
	mu      sync.Mutex
	cursor  int
	started bool
}

func (r *roundRobin) Next(active node.Group) (node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.after(active.WhereWeighted())
	if !ok {
		return node.Node{}, ErrNoActiveNodes
	}
	r.cursor, r.started = n.Ordinal, true
	return n, nil
}

// after returns the lowest-ordered candidate following the cursor, wrapping back to
// the lowest-ordered candidate overall.
func (r *roundRobin) after(candidates node.Group) (node.Node, bool) {
	first, ok := candidates.First()
	if !ok {
		return node.Node{}, false
	}
	if !r.started {
		return first, true
	}
	next, found := node.Node{}, false
	for _, n := range candidates {
		if n.Ordinal > r.cursor && (!found || n.Ordinal < next.Ordinal) {
			next, found = n, true
		}
	}
	if !found {
		return first, true
	}
	return next, true
}

func (r *roundRobin) All(active node.Group) node.Group { return all(active) }
