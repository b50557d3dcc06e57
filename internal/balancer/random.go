package balancer

import (
	"math/rand"
	"sync"

	"github.com/arya-analytics/hadb/internal/node"
)

// random selects a node with probability proportional to its weight.
type random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a weighted random balancer. Two balancers created with the same
// seed make the same selections given the same inputs.
func NewRandom(seed int64) Balancer { return &random{rng: rand.New(rand.NewSource(seed))} }

func (r *random) Next(active node.Group) (node.Node, error) {
	candidates := active.WhereWeighted().Sorted()
	total := 0
	for _, n := range candidates {
		total += n.Weight
	}
	if total == 0 {
		return node.Node{}, ErrNoActiveNodes
	}
	r.mu.Lock()
	v := r.rng.Intn(total)
	r.mu.Unlock()
	for _, n := range candidates {
		if v < n.Weight {
			return n, nil
		}
		v -= n.Weight
	}
	panic("[balancer] - weighted selection exhausted candidates")
}

func (r *random) All(active node.Group) node.Group { return all(active) }
