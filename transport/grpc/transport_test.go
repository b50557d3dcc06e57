package grpc_test

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/arya-analytics/hadb"
	"github.com/arya-analytics/hadb/mock"
	hadbgrpc "github.com/arya-analytics/hadb/transport/grpc"
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var _ = Describe("Admin Service", func() {
	var (
		ctx     context.Context
		builder *mock.Builder
		db      *hadb.DB
		client  *hadbgrpc.Client
	)
	BeforeEach(func() {
		ctx = context.Background()
		builder = mock.NewMemBuilder()
		var err error
		db, err = builder.New(ctx, mock.Nodes(2))
		Expect(err).ToNot(HaveOccurred())

		lis := bufconn.Listen(1 << 20)
		sCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- (&hadbgrpc.Server{Admin: db}).Serve(sCtx, lis)
		}()
		var conn *grpc.ClientConn
		client, conn, err = hadbgrpc.Dial(
			"passthrough:///bufnet",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() {
			Expect(conn.Close()).To(Succeed())
			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(db.Close()).To(Succeed())
		})
	})

	It("Should list nodes", func() {
		statuses, err := client.Nodes(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses).To(HaveLen(2))
		Expect(statuses[0].ID).To(Equal(hadb.NodeID("db1")))
		Expect(statuses[0].Location).To(Equal("db1"))
		Expect(statuses[0].Weight).To(Equal(1))
		Expect(statuses[0].Active).To(BeTrue())
		Expect(statuses[0].Since.IsZero()).To(BeFalse())
	})

	It("Should deactivate and activate a node", func() {
		Expect(client.Deactivate(ctx, "db2")).To(Succeed())
		statuses, err := client.Nodes(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses[1].Active).To(BeFalse())
		Expect(statuses[1].Dirty).To(BeTrue())
		Expect(statuses[1].Reason).To(Equal("deactivated by administrator"))

		Expect(client.Activate(ctx, "db2", "full")).To(Succeed())
		statuses, err = client.Nodes(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses[1].Active).To(BeTrue())
	})

	It("Should carry sentinel errors across the wire", func() {
		Expect(errors.Is(client.Deactivate(ctx, "db9"), hadb.ErrNodeNotFound)).To(BeTrue())
		Expect(errors.Is(client.SetBalancer(ctx, "fastest"), hadb.ErrUnknownPolicy)).To(BeTrue())
		Expect(client.Deactivate(ctx, "db2")).To(Succeed())
		Expect(errors.Is(client.Activate(ctx, "db2", "rsync"), hadb.ErrUnknownStrategy)).To(BeTrue())
	})

	It("Should change the balancer", func() {
		Expect(client.SetBalancer(ctx, "random")).To(Succeed())
		Expect(db.Balancer()).To(Equal("random"))
	})

	It("Should report divergent transactions", func() {
		found, err := client.Recover(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeEmpty())

		t, err := db.Begin(ctx)
		Expect(err).ToNot(HaveOccurred())
		builder.Backend("db2").FailCommit(nil)
		Expect(t.Commit(ctx)).To(Succeed())

		found, err = client.Recover(ctx)
		Expect(errors.Is(err, hadb.ErrInconsistentDurability)).To(BeTrue())
		Expect(found).To(HaveLen(1))
		Expect(found[0].Transaction).To(Equal(t.ID()))
		Expect(found[0].Divergent).To(Equal([]hadb.NodeID{"db2"}))
		Expect(found[0].Record.DurableOn).To(Equal([]hadb.NodeID{"db1"}))
	})

	It("Should serve every method the service definition declares", func() {
		gs := grpc.NewServer()
		(&hadbgrpc.Server{Admin: db}).Register(gs)
		info, ok := gs.GetServiceInfo()["hadb.v1.AdminService"]
		Expect(ok).To(BeTrue())
		Expect(info.Methods).To(HaveLen(5))
		def, err := os.ReadFile(filepath.Join("proto", info.Metadata.(string)))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(def)).To(ContainSubstring("package hadb.v1;"))
		Expect(string(def)).To(ContainSubstring("service AdminService {"))
		for _, m := range info.Methods {
			Expect(string(def)).To(ContainSubstring("rpc " + m.Name + "("))
		}
	})
})
