package main

import (
	"bytes"
	"context"
	"net"

	"github.com/arya-analytics/hadb"
	"github.com/arya-analytics/hadb/mock"
	hadbgrpc "github.com/arya-analytics/hadb/transport/grpc"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("hadbctl", func() {
	Describe("Admin Commands", func() {
		var (
			db   *hadb.DB
			addr string
		)
		BeforeEach(func() {
			var err error
			db, err = mock.NewMemBuilder().New(context.Background(), mock.Nodes(2))
			Expect(err).ToNot(HaveOccurred())
			lis, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).ToNot(HaveOccurred())
			addr = lis.Addr().String()
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- (&hadbgrpc.Server{Admin: db}).Serve(ctx, lis) }()
			DeferCleanup(func() {
				cancel()
				Eventually(done).Should(Receive(BeNil()))
				Expect(db.Close()).To(Succeed())
			})
		})
		run := func(args ...string) (string, error) {
			cmd := newRootCommand()
			out := &bytes.Buffer{}
			cmd.SetOut(out)
			cmd.SetArgs(append([]string{"--addr", addr}, args...))
			err := cmd.ExecuteContext(context.Background())
			return out.String(), err
		}

		It("Should list nodes", func() {
			out, err := run("nodes")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(ContainSubstring("ID"))
			Expect(out).To(ContainSubstring("db1"))
			Expect(out).To(ContainSubstring("active"))
		})

		It("Should deactivate and activate a node", func() {
			out, err := run("deactivate", "db2")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("deactivated db2\n"))
			out, err = run("nodes")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(ContainSubstring("inactive (dirty)"))
			out, err = run("activate", "db2", "--strategy", "diff")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("activated db2\n"))
		})

		It("Should change the balancer", func() {
			_, err := run("balancer", "random")
			Expect(err).ToNot(HaveOccurred())
			Expect(db.Balancer()).To(Equal("random"))
			_, err = run("balancer", "fastest")
			Expect(err).To(HaveOccurred())
		})

		It("Should report recovery", func() {
			out, err := run("recover")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("no divergent transactions\n"))
		})

		It("Should validate arguments", func() {
			_, err := run("deactivate")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Serve Flags", func() {
		It("Should parse nodes in configured order", func() {
			nodes, err := parseNodes(&serveFlags{
				nodes:    []string{"db2=postgres://b", "db1=postgres://a"},
				inactive: []string{"db1"},
				weights:  map[string]int{"db2": 3},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(Equal([]hadb.NodeConfig{
				{ID: "db2", Location: "postgres://b", Weight: 3, Active: true},
				{ID: "db1", Location: "postgres://a", Weight: 1, Active: false},
			}))
		})

		It("Should reject malformed nodes", func() {
			_, err := parseNodes(&serveFlags{nodes: []string{"db1"}})
			Expect(err).To(HaveOccurred())
			_, err = parseNodes(&serveFlags{})
			Expect(err).To(HaveOccurred())
		})

		It("Should require dump and restore together", func() {
			_, err := options(&serveFlags{dump: "pg_dump {source}"}, nil)
			Expect(err).To(HaveOccurred())
		})

		It("Should open a cluster from flags", func() {
			network := mock.NewNetwork()
			network.Provision("a")
			network.Provision("b")
			f := &serveFlags{
				nodes:     []string{"db1=a", "db2=b"},
				balancer:  "load",
				sync:      "diff",
				dump:      "cat {source}",
				restore:   "tee {target}",
				connector: network.Connector(),
			}
			opts, err := options(f, nil)
			Expect(err).ToNot(HaveOccurred())
			nodes, err := parseNodes(f)
			Expect(err).ToNot(HaveOccurred())
			db, err := hadb.Open(context.Background(), nodes, append(opts, hadb.MemBacked())...)
			Expect(err).ToNot(HaveOccurred())
			Expect(db.Balancer()).To(Equal("load"))
			Expect(db.Close()).To(Succeed())
		})
	})
})
