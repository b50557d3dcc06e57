package balancer_test

import (
	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func group(weights ...int) node.Group {
	g := make(node.Group, len(weights))
	for i, w := range weights {
		g[i] = node.Node{
			ID:      node.ID("db" + string(rune('1'+i))),
			Ordinal: i,
			Weight:  w,
			Active:  true,
		}
	}
	return g
}

func selections(b balancer.Balancer, g node.Group, n int) []node.ID {
	ids := make([]node.ID, n)
	for i := range ids {
		next, err := b.Next(g)
		Expect(err).ToNot(HaveOccurred())
		ids[i] = next.ID
	}
	return ids
}

var _ = Describe("Balancer", func() {
	Describe("New", func() {
		It("Should construct every known policy", func() {
			for _, id := range balancer.Policies() {
				b, err := balancer.New(id)
				Expect(err).ToNot(HaveOccurred())
				Expect(balancer.IDOf(b)).To(Equal(id))
			}
		})
		It("Should reject an unknown policy", func() {
			_, err := balancer.New("fastest")
			Expect(errors.Is(err, balancer.ErrUnknownPolicy)).To(BeTrue())
			Expect(errors.Is(balancer.Validate("fastest"), balancer.ErrUnknownPolicy)).To(BeTrue())
			Expect(balancer.Validate(balancer.Load)).To(Succeed())
		})
	})

	Describe("Empty set", func() {
		It("Should return ErrNoActiveNodes for every policy", func() {
			for _, id := range balancer.Policies() {
				b, err := balancer.New(id)
				Expect(err).ToNot(HaveOccurred())
				_, err = b.Next(nil)
				Expect(errors.Is(err, balancer.ErrNoActiveNodes)).To(BeTrue(), id)
			}
		})
	})

	Describe("All", func() {
		It("Should return every node in configured order, including zero weight", func() {
			g := group(1, 0, 2)
			g[0], g[2] = g[2], g[0]
			b := balancer.NewSimple()
			Expect(b.All(g).IDs()).To(Equal([]node.ID{"db1", "db2", "db3"}))
		})
	})

	Describe("Simple", func() {
		It("Should always select the lowest ordered node", func() {
			b := balancer.NewSimple()
			Expect(selections(b, group(1, 5, 5), 3)).To(Equal([]node.ID{"db1", "db1", "db1"}))
		})
		It("Should select a zero weight node if it is first", func() {
			b := balancer.NewSimple()
			n, err := b.Next(group(0, 1))
			Expect(err).ToNot(HaveOccurred())
			Expect(n.ID).To(Equal(node.ID("db1")))
		})
	})

	Describe("Round Robin", func() {
		var b balancer.Balancer
		BeforeEach(func() {
			var err error
			b, err = balancer.New(balancer.RoundRobin)
			Expect(err).ToNot(HaveOccurred())
		})
		It("Should cycle through nodes in configured order", func() {
			Expect(selections(b, group(1, 1, 1), 4)).To(Equal([]node.ID{"db1", "db2", "db3", "db1"}))
		})
		It("Should skip zero weight nodes", func() {
			Expect(selections(b, group(1, 0, 1), 3)).To(Equal([]node.ID{"db1", "db3", "db1"}))
		})
		It("Should continue from the cursor when a node leaves the set", func() {
			g := group(1, 1, 1)
			Expect(selections(b, g, 1)).To(Equal([]node.ID{"db1"}))
			Expect(selections(b, g.WhereNot("db2"), 1)).To(Equal([]node.ID{"db3"}))
			Expect(selections(b, g, 1)).To(Equal([]node.ID{"db1"}))
		})
		It("Should return ErrNoActiveNodes when every node has zero weight", func() {
			_, err := b.Next(group(0, 0))
			Expect(errors.Is(err, balancer.ErrNoActiveNodes)).To(BeTrue())
		})
	})

	Describe("Random", func() {
		It("Should be deterministic for a fixed seed", func() {
			g := group(1, 2, 3)
			Expect(selections(balancer.NewRandom(42), g, 20)).
				To(Equal(selections(balancer.NewRandom(42), g, 20)))
		})
		It("Should never select a zero weight node", func() {
			b := balancer.NewRandom(7)
			ids := selections(b, group(0, 1, 0), 50)
			Expect(ids).ToNot(ContainElement(node.ID("db1")))
			Expect(ids).ToNot(ContainElement(node.ID("db3")))
		})
		It("Should select nodes in proportion to weight", func() {
			b := balancer.NewRandom(1)
			counts := make(map[node.ID]int)
			for _, id := range selections(b, group(1, 3), 4000) {
				counts[id]++
			}
			Expect(counts["db2"]).To(BeNumerically("~", 3000, 200))
		})
	})

	Describe("Load", func() {
		var (
			b balancer.Balancer
			t balancer.Tracker
		)
		BeforeEach(func() {
			b = balancer.NewLoad(1)
			t = b.(balancer.Tracker)
		})
		It("Should select the node with the fewest outstanding requests", func() {
			g := group(1, 1, 1)
			t.Begin("db1")
			t.Begin("db2")
			Expect(selections(b, g, 2)).To(Equal([]node.ID{"db3", "db3"}))
			t.End("db1")
			t.End("db2")
		})
		It("Should break ties in round robin order", func() {
			Expect(selections(b, group(1, 1), 3)).To(Equal([]node.ID{"db1", "db2", "db1"}))
		})
		It("Should not let outstanding counts go negative", func() {
			t.End("db1")
			t.Begin("db2")
			n, err := b.Next(group(1, 1))
			Expect(err).ToNot(HaveOccurred())
			Expect(n.ID).To(Equal(node.ID("db1")))
		})
		It("Should skip zero weight nodes", func() {
			t.Begin("db2")
			Expect(selections(b, group(0, 1), 2)).To(Equal([]node.ID{"db2", "db2"}))
		})
	})
})
