package synchronize_test

import (
	"context"
	"sync"
	"time"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/arya-analytics/hadb/mock"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// eventLog collects events from listeners that may run on other goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []cluster.Event
}

func (l *eventLog) observe(e cluster.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) variants() []cluster.EventVariant {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := make([]cluster.EventVariant, len(l.events))
	for i, e := range l.events {
		v[i] = e.Variant
	}
	return v
}

var _ = Describe("Synchronizer", func() {
	var (
		ctx    context.Context
		net    *mock.Network
		c      *cluster.Cluster
		pool   invoke.Pool[backend.Conn]
		events *eventLog
	)
	BeforeEach(func() {
		ctx = context.Background()
		net = mock.NewNetwork()
		nodes := []node.Node{
			{ID: "db1", Location: "db1", Weight: 1, Active: true},
			{ID: "db2", Location: "db2", Weight: 1, Active: true},
		}
		for _, n := range nodes {
			net.Provision(n.Location)
		}
		var err error
		c, err = cluster.New(nodes, cluster.Config{})
		Expect(err).ToNot(HaveOccurred())
		events = &eventLog{}
		c.Observe(events.observe)
		connector := net.Connector()
		pool = invoke.PoolFunc[backend.Conn](func(ctx context.Context, n node.Node) (backend.Conn, error) {
			return connector.Open(ctx, n.Location, backend.Credentials{})
		})
	})
	backendOf := func(location string) *mock.Backend {
		b, ok := net.Backend(location)
		Expect(ok).To(BeTrue())
		return b
	}
	newSynchronizer := func(cfg synchronize.Config) *synchronize.Synchronizer {
		cfg.Members, cfg.Pool = c, pool
		s, err := synchronize.New(cfg)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)
		return s
	}

	Describe("New", func() {
		It("Should reject an unknown default strategy", func() {
			_, err := synchronize.New(synchronize.Config{Members: c, Pool: pool, Default: "rsync"})
			Expect(errors.Is(err, synchronize.ErrUnknownStrategy)).To(BeTrue())
		})
	})

	Describe("Activate", func() {
		var s *synchronize.Synchronizer
		BeforeEach(func() {
			s = newSynchronizer(synchronize.Config{})
			backendOf("db1").Put("accounts", "alice", "10")
			_, err := c.Deactivate("db2", "test")
			Expect(err).ToNot(HaveOccurred())
		})

		It("Should synchronize and reactivate a dirty node", func() {
			Expect(s.Activate(ctx, "db2", synchronize.Full)).To(Succeed())
			n, _ := c.Node("db2")
			Expect(n.Active).To(BeTrue())
			Expect(n.Dirty).To(BeFalse())
			Expect(backendOf("db2").Get("accounts", "alice")).To(Equal("10"))
			Expect(events.variants()).To(Equal([]cluster.EventVariant{
				cluster.Deactivated, cluster.Activated, cluster.Synchronized,
			}))
		})

		It("Should drop tables only the target holds before reactivating", func() {
			backendOf("db2").Put("stale", "bob", "99")
			Expect(s.Activate(ctx, "db2", synchronize.Full)).To(Succeed())
			Expect(backendOf("db2").Data()).To(Equal(backendOf("db1").Data()))
		})

		It("Should wait for writers to leave the gate", func() {
			gate := synchronize.NewGate()
			s = newSynchronizer(synchronize.Config{Gate: gate})
			Expect(gate.Enter(ctx)).To(Succeed())
			actx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			err := s.Activate(actx, "db2", synchronize.Full)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			n, _ := c.Node("db2")
			Expect(n.Active).To(BeFalse())
			gate.Leave()
			Expect(s.Activate(ctx, "db2", synchronize.Full)).To(Succeed())
		})

		It("Should use the default strategy when none is given", func() {
			Expect(s.Activate(ctx, "db2", "")).To(Succeed())
			Expect(backendOf("db2").Get("accounts", "alice")).To(Equal("10"))
		})

		It("Should leave the node inactive and dirty on failure", func() {
			backendOf("db2").Fail(nil)
			err := s.Activate(ctx, "db2", synchronize.Full)
			Expect(errors.Is(err, synchronize.ErrSync)).To(BeTrue())
			n, _ := c.Node("db2")
			Expect(n.Active).To(BeFalse())
			Expect(n.Dirty).To(BeTrue())
			Expect(c.Active().IDs()).To(Equal([]node.ID{"db1"}))
			Expect(events.variants()).To(ContainElement(cluster.SyncFailed))
		})

		It("Should fail with ErrNoSyncSource when no node is active", func() {
			_, err := c.Deactivate("db1", "test")
			Expect(err).ToNot(HaveOccurred())
			err = s.Activate(ctx, "db2", synchronize.Full)
			Expect(errors.Is(err, synchronize.ErrNoSyncSource)).To(BeTrue())
			Expect(errors.Is(err, synchronize.ErrSync)).To(BeTrue())
			Expect(c.Active()).To(BeEmpty())
		})

		It("Should do nothing for an active node", func() {
			Expect(s.Activate(ctx, "db1", synchronize.Full)).To(Succeed())
			Expect(backendOf("db1").Statements()).To(BeEmpty())
		})

		It("Should reject an unknown node", func() {
			err := s.Activate(ctx, "db9", synchronize.Full)
			Expect(errors.Is(err, cluster.ErrNodeNotFound)).To(BeTrue())
		})

		It("Should reject an unknown strategy", func() {
			err := s.Activate(ctx, "db2", "rsync")
			Expect(errors.Is(err, synchronize.ErrUnknownStrategy)).To(BeTrue())
			Expect(s.ValidateStrategy(synchronize.Differential)).To(Succeed())
		})

		It("Should reject a concurrent synchronization of the same node", func() {
			started, release := make(chan struct{}), make(chan struct{})
			blocking := synchronize.StrategyFunc(func(ctx context.Context, _ synchronize.Job) error {
				close(started)
				<-release
				return nil
			})
			strategies := synchronize.DefaultStrategies()
			strategies["blocking"] = blocking
			s := newSynchronizer(synchronize.Config{Strategies: strategies})
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- s.Activate(ctx, "db2", "blocking")
			}()
			Eventually(started).Should(BeClosed())
			err := s.Activate(ctx, "db2", synchronize.Full)
			Expect(errors.Is(err, synchronize.ErrSyncInProgress)).To(BeTrue())
			close(release)
			Eventually(done).Should(Receive(BeNil()))
			n, _ := c.Node("db2")
			Expect(n.Active).To(BeTrue())
		})

		It("Should mark the node reconciled in the durability log", func() {
			log, err := durability.OpenPebble("", vfs.NewMem())
			Expect(err).ToNot(HaveOccurred())
			dm, err := durability.New(durability.Config{Log: log})
			Expect(err).ToNot(HaveOccurred())
			defer func() { Expect(dm.Close()).To(Succeed()) }()
			Expect(dm.Prepare("tx1", []node.ID{"db1", "db2"})).To(Succeed())
			Expect(dm.Durable("tx1", "db1")).To(Succeed())
			Expect(dm.Complete("tx1")).To(Succeed())

			s := newSynchronizer(synchronize.Config{Durability: dm})
			Expect(s.Activate(ctx, "db2", synchronize.Differential)).To(Succeed())
			found, err := dm.Scan()
			Expect(err).ToNot(HaveOccurred())
			Expect(found).To(BeEmpty())
		})
	})

	Describe("Auto Resync", func() {
		It("Should make a single synchronization attempt after a deactivation", func() {
			newSynchronizer(synchronize.Config{AutoResync: true})
			backendOf("db1").Put("accounts", "alice", "10")
			_, err := c.Deactivate("db2", "test")
			Expect(err).ToNot(HaveOccurred())
			Eventually(func() bool {
				n, _ := c.Node("db2")
				return n.Active
			}).Should(BeTrue())
			Expect(backendOf("db2").Get("accounts", "alice")).To(Equal("10"))
		})
		It("Should not retry a failed attempt", func() {
			newSynchronizer(synchronize.Config{AutoResync: true})
			backendOf("db1").Put("accounts", "alice", "10")
			backendOf("db2").Fail(nil)
			_, err := c.Deactivate("db2", "test")
			Expect(err).ToNot(HaveOccurred())
			Eventually(events.variants).Should(ContainElement(cluster.SyncFailed))
			Consistently(func() int {
				n := 0
				for _, v := range events.variants() {
					if v == cluster.SyncFailed {
						n++
					}
				}
				return n
			}, 100*time.Millisecond).Should(Equal(1))
			n, _ := c.Node("db2")
			Expect(n.Active).To(BeFalse())
		})
	})
})
