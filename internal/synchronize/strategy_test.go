package synchronize_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/arya-analytics/hadb/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Strategy", func() {
	var (
		ctx      context.Context
		net      *mock.Network
		src, dst *mock.Backend
		job      synchronize.Job
	)
	BeforeEach(func() {
		ctx = context.Background()
		net = mock.NewNetwork()
		src, dst = net.Provision("src"), net.Provision("dst")
		connector := net.Connector()
		srcConn, err := connector.Open(ctx, "src", backend.Credentials{})
		Expect(err).ToNot(HaveOccurred())
		dstConn, err := connector.Open(ctx, "dst", backend.Credentials{})
		Expect(err).ToNot(HaveOccurred())
		job = synchronize.Job{
			Source:     node.Node{ID: "S", Location: "src"},
			Target:     node.Node{ID: "T", Location: "dst"},
			SourceConn: srcConn,
			TargetConn: dstConn,
		}
		src.Put("accounts", "alice", "10")
		src.Put("accounts", "bob", "20")
		src.Put("orders", "1", "alice")
		dst.Put("accounts", "alice", "5")
		dst.Put("accounts", "carol", "30")
	})

	Describe("Passive", func() {
		It("Should not transfer any data", func() {
			Expect(synchronize.PassiveStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Get("accounts", "alice")).To(Equal("5"))
			Expect(dst.Has("orders", "1")).To(BeFalse())
		})
	})

	Describe("Full", func() {
		It("Should replace the target's data with the source's", func() {
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Data()).To(Equal(src.Data()))
		})
		It("Should fail when the target is unreachable", func() {
			dst.Fail(nil)
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).To(MatchError(ContainSubstring("injected")))
		})
		It("Should clear target tables the source does not have", func() {
			dst.Put("stale", "bob", "99")
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Has("stale", "bob")).To(BeFalse())
			Expect(dst.Data()).To(Equal(src.Data()))
		})
		It("Should empty the target when the source has no data", func() {
			empty := net.Provision("empty")
			conn, err := net.Connector().Open(ctx, "empty", backend.Credentials{})
			Expect(err).ToNot(HaveOccurred())
			job.SourceConn = conn
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Data()).To(Equal(empty.Data()))
			Expect(dst.Data()).To(BeEmpty())
		})
		It("Should contact the target even when the source has no data", func() {
			conn, err := net.Connector().Open(ctx, net.Provision("empty").Location, backend.Credentials{})
			Expect(err).ToNot(HaveOccurred())
			job.SourceConn = conn
			dst.Fail(nil)
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).ToNot(Succeed())
		})
		It("Should leave the target untouched when the copy does not commit", func() {
			before := dst.Data()
			dst.FailCommit(nil)
			Expect(synchronize.FullStrategy{}.Synchronize(ctx, job)).ToNot(Succeed())
			Expect(dst.Data()).To(Equal(before))
		})
	})

	Describe("Differential", func() {
		It("Should apply only the rows that differ", func() {
			Expect(synchronize.DifferentialStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Data()).To(Equal(src.Data()))
		})
		It("Should succeed when the nodes already agree", func() {
			dst.Put("accounts", "alice", "10")
			dst.Put("accounts", "bob", "20")
			dst.Put("orders", "1", "alice")
			Expect(synchronize.DifferentialStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Data()).To(Equal(src.Data()))
		})
		It("Should clear target tables the source does not have", func() {
			dst.Put("stale", "bob", "99")
			Expect(synchronize.DifferentialStrategy{}.Synchronize(ctx, job)).To(Succeed())
			Expect(dst.Has("stale", "bob")).To(BeFalse())
			Expect(dst.Data()).To(Equal(src.Data()))
		})
		It("Should contact the target even when the source has no data", func() {
			conn, err := net.Connector().Open(ctx, net.Provision("empty").Location, backend.Credentials{})
			Expect(err).ToNot(HaveOccurred())
			job.SourceConn = conn
			dst.Fail(nil)
			Expect(synchronize.DifferentialStrategy{}.Synchronize(ctx, job)).ToNot(Succeed())
		})
	})

	Describe("Dump Restore", func() {
		BeforeEach(func() {
			if _, err := exec.LookPath("sh"); err != nil {
				Skip("sh not available")
			}
		})
		It("Should pipe the dump into the restore with locations substituted", func() {
			dir, err := os.MkdirTemp("", "hadb-restore")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			out := filepath.Join(dir, "restore")
			s := synchronize.DumpRestoreStrategy{
				Dump:    []string{"sh", "-c", "echo dump of {source}"},
				Restore: []string{"sh", "-c", "cat > " + out + "-{target}"},
			}
			Expect(s.Synchronize(ctx, job)).To(Succeed())
			Expect(out + "-dst").To(BeAnExistingFile())
		})
		It("Should fail when the restore fails", func() {
			s := synchronize.DumpRestoreStrategy{
				Dump:    []string{"sh", "-c", "echo dump"},
				Restore: []string{"sh", "-c", "cat > /dev/null; echo broken >&2; exit 3"},
			}
			Expect(s.Synchronize(ctx, job)).To(MatchError(ContainSubstring("broken")))
		})
		It("Should fail when unconfigured", func() {
			Expect(synchronize.DumpRestoreStrategy{}.Synchronize(ctx, job)).ToNot(Succeed())
		})
	})
})
