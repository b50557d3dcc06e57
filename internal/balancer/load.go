package balancer

import (
	"sync"

	"github.com/arya-analytics/hadb/internal/node"
)

// DefaultLoadDecay is the weight given to the most recent outstanding request count
// when updating a node's load average.
const DefaultLoadDecay = 0.5

// load selects the node with the lowest exponentially weighted outstanding request
// count, breaking ties in round-robin order.
type load struct {
	mu          sync.Mutex
	decay       float64
	outstanding map[node.ID]int
	average     map[node.ID]float64
	ties        roundRobin
}

// NewLoad returns a load balancer. decay must be in (0, 1]; a decay of 1 tracks the
// raw outstanding count.
func NewLoad(decay float64) Balancer {
	if decay <= 0 || decay > 1 {
		decay = DefaultLoadDecay
	}
	return &load{
		decay:       decay,
		outstanding: make(map[node.ID]int),
		average:     make(map[node.ID]float64),
	}
}

var _ Tracker = (*load)(nil)

func (l *load) Next(active node.Group) (node.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	candidates := active.WhereWeighted()
	if len(candidates) == 0 {
		return node.Node{}, ErrNoActiveNodes
	}
	min := l.average[candidates[0].ID]
	for _, n := range candidates[1:] {
		if avg := l.average[n.ID]; avg < min {
			min = avg
		}
	}
	least := candidates.Where(func(n node.Node) bool { return l.average[n.ID] == min })
	return l.ties.Next(least)
}

func (l *load) All(active node.Group) node.Group { return all(active) }

// Begin implements Tracker.
func (l *load) Begin(id node.ID) { l.update(id, 1) }

// End implements Tracker.
func (l *load) End(id node.ID) { l.update(id, -1) }

func (l *load) update(id node.ID, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstanding[id] += delta
	if l.outstanding[id] < 0 {
		l.outstanding[id] = 0
	}
	l.average[id] = l.decay*float64(l.outstanding[id]) + (1-l.decay)*l.average[id]
}
