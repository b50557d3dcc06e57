package tx_test

import (
	"context"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/tx"
	"github.com/arya-analytics/hadb/mock"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tx", func() {
	var (
		ctx  context.Context
		net  *mock.Network
		c    *cluster.Cluster
		env  invoke.Env
		pool invoke.Pool[backend.Conn]
		dm   *durability.Manager
	)
	BeforeEach(func() {
		ctx = context.Background()
		net = mock.NewNetwork()
		nodes := []node.Node{
			{ID: "A", Location: "a", Weight: 1, Active: true},
			{ID: "B", Location: "b", Weight: 1, Active: true},
			{ID: "C", Location: "c", Weight: 1, Active: true},
		}
		for _, n := range nodes {
			net.Provision(n.Location)
		}
		var err error
		c, err = cluster.New(nodes, cluster.Config{})
		Expect(err).ToNot(HaveOccurred())
		env = invoke.Env{Members: c, Balancer: balancer.NewSimple()}
		connector := net.Connector()
		pool = invoke.PoolFunc[backend.Conn](func(ctx context.Context, n node.Node) (backend.Conn, error) {
			return connector.Open(ctx, n.Location, backend.Credentials{})
		})
		log, err := durability.OpenPebble("", vfs.NewMem())
		Expect(err).ToNot(HaveOccurred())
		dm, err = durability.New(durability.Config{Log: log})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(dm.Close)
	})
	backendOf := func(location string) *mock.Backend {
		b, ok := net.Backend(location)
		Expect(ok).To(BeTrue())
		return b
	}

	It("Should apply writes on every participant at commit", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.State().Phase).To(Equal(tx.Active))
		Expect(t.State().Participants.IDs()).To(Equal([]node.ID{"A", "B", "C"}))
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(err).ToNot(HaveOccurred())
		Expect(backendOf("a").Has("accounts", "alice")).To(BeFalse())
		Expect(t.Commit(ctx)).To(Succeed())
		for _, loc := range []string{"a", "b", "c"} {
			Expect(backendOf(loc).Get("accounts", "alice")).To(Equal("10"))
		}
		s := t.State()
		Expect(s.Phase).To(Equal(tx.Committed))
		Expect(s.DurableOn.IDs()).To(Equal([]node.ID{"A", "B", "C"}))
		found, err := dm.Scan()
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeEmpty())
	})

	It("Should discard writes on rollback", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Rollback(ctx)).To(Succeed())
		Expect(backendOf("b").Has("accounts", "alice")).To(BeFalse())
		Expect(t.State().Phase).To(Equal(tx.RolledBack))
	})

	It("Should reject operations after the transaction ends", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Commit(ctx)).To(Succeed())
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(errors.Is(err, tx.ErrNotActive)).To(BeTrue())
		Expect(errors.Is(t.Rollback(ctx), tx.ErrNotActive)).To(BeTrue())
	})

	It("Should read from a single participant", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		rows, err := t.Query(ctx, "select node")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows.Values).To(Equal([][]any{{"a"}}))
		Expect(t.Rollback(ctx)).To(Succeed())
	})

	It("Should exclude nodes that fail to begin", func() {
		backendOf("c").FailNext(nil)
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.State().Participants.IDs()).To(Equal([]node.ID{"A", "B"}))
		n, _ := c.Node("C")
		Expect(n.Active).To(BeFalse())
		Expect(t.Rollback(ctx)).To(Succeed())
	})

	It("Should remove deactivated participants and never add activated nodes", func() {
		_, err := c.Deactivate("C", "test")
		Expect(err).ToNot(HaveOccurred())
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		_, err = c.Activate("C", "test")
		Expect(err).ToNot(HaveOccurred())
		_, err = c.Deactivate("B", "test")
		Expect(err).ToNot(HaveOccurred())
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(err).ToNot(HaveOccurred())
		Expect(t.State().Participants.IDs()).To(Equal([]node.ID{"A"}))
		Expect(t.Commit(ctx)).To(Succeed())
		Expect(backendOf("a").Get("accounts", "alice")).To(Equal("10"))
		Expect(backendOf("c").Has("accounts", "alice")).To(BeFalse())
	})

	It("Should deactivate a participant whose write fails", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		backendOf("b").FailNext(nil)
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(err).ToNot(HaveOccurred())
		n, _ := c.Node("B")
		Expect(n.Active).To(BeFalse())
		Expect(n.Dirty).To(BeTrue())
		Expect(t.Commit(ctx)).To(Succeed())
		Expect(t.State().DurableOn.IDs()).To(Equal([]node.ID{"A", "C"}))
	})

	It("Should record divergence when a participant fails to commit", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		_, err = t.Exec(ctx, "put accounts alice 10")
		Expect(err).ToNot(HaveOccurred())
		backendOf("b").FailCommit(nil)
		Expect(t.Commit(ctx)).To(Succeed())

		s := t.State()
		Expect(s.DurableOn.IDs()).To(Equal([]node.ID{"A", "C"}))
		n, _ := c.Node("B")
		Expect(n.Active).To(BeFalse())
		Expect(n.Dirty).To(BeTrue())

		By("Flagging the transaction on a recovery scan")
		found, err := dm.Scan()
		Expect(errors.Is(err, durability.ErrInconsistentDurability)).To(BeTrue())
		Expect(found).To(HaveLen(1))
		Expect(found[0].Transaction).To(Equal(s.ID))
		Expect(found[0].Divergent).To(Equal([]node.ID{"B"}))
	})

	It("Should surface a total commit failure without deactivation", func() {
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		for _, loc := range []string{"a", "b", "c"} {
			backendOf(loc).FailCommit(nil)
		}
		err = t.Commit(ctx)
		Expect(errors.Is(err, invoke.ErrAllNodesFailed)).To(BeTrue())
		Expect(c.Active()).To(HaveLen(3))
		Expect(t.State().Phase).To(Equal(tx.RolledBack))
		found, err := dm.Scan()
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeEmpty())
	})

	It("Should not track durability for a single participant", func() {
		Expect(c.Deactivate("B", "test")).To(BeTrue())
		Expect(c.Deactivate("C", "test")).To(BeTrue())
		t, err := tx.Begin(ctx, env, pool, dm)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Commit(ctx)).To(Succeed())
		Expect(t.State().DurableOn.IDs()).To(Equal([]node.ID{"A"}))
	})
})
