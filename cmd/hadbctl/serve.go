package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arya-analytics/hadb"
	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/backend/pgxbackend"
	"github.com/arya-analytics/hadb/internal/durability"
	hadbgrpc "github.com/arya-analytics/hadb/transport/grpc"
	hadbhttp "github.com/arya-analytics/hadb/transport/http"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	nodes      []string
	inactive   []string
	weights    map[string]int
	user       string
	password   string
	balancer   string
	sync       string
	dump       string
	restore    string
	autoResync bool
	timeout    time.Duration
	dir        string
	bolt       string
	grpcAddr   string
	httpAddr   string
	maxConns   int32
	debug      bool
	connector  backend.Connector
}

func newServeCommand() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a cluster over Postgres nodes and serve its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVar(&f.nodes, "node", nil, "node as id=location, in configured order (repeatable)")
	fl.StringSliceVar(&f.inactive, "inactive", nil, "ids of nodes that start inactive")
	fl.StringToIntVar(&f.weights, "weight", nil, "node weights as id=weight (default 1)")
	fl.StringVar(&f.user, "user", "", "user for every node")
	fl.StringVar(&f.password, "password", os.Getenv("HADB_PASSWORD"), "password for every node")
	fl.StringVar(&f.balancer, "balancer", "round-robin", "read balancing policy")
	fl.StringVar(&f.sync, "sync", "full", "default synchronization strategy")
	fl.StringVar(&f.dump, "dump", "", "dump command for the dump-restore strategy, with {source} placeholders")
	fl.StringVar(&f.restore, "restore", "", "restore command for the dump-restore strategy, with {target} placeholders")
	fl.BoolVar(&f.autoResync, "auto-resync", false, "synchronize nodes automatically after deactivation")
	fl.DurationVar(&f.timeout, "node-timeout", 10*time.Second, "timeout for each request to a node")
	fl.StringVar(&f.dir, "durability-dir", "hadb", "directory of the pebble durability log")
	fl.StringVar(&f.bolt, "durability-bolt", "", "path of a bolt durability log, replacing pebble")
	fl.StringVar(&f.grpcAddr, "grpc", ":7070", "listen address of the gRPC admin service")
	fl.StringVar(&f.httpAddr, "http", "", "listen address of the HTTP admin API (disabled if empty)")
	fl.Int32Var(&f.maxConns, "max-conns", 0, "maximum connections per node")
	fl.BoolVar(&f.debug, "debug", false, "log at debug level")
	return cmd
}

func parseNodes(f *serveFlags) ([]hadb.NodeConfig, error) {
	if len(f.nodes) == 0 {
		return nil, errors.New("at least one --node must be given")
	}
	nodes := make([]hadb.NodeConfig, len(f.nodes))
	for i, spec := range f.nodes {
		id, location, ok := strings.Cut(spec, "=")
		if !ok || id == "" || location == "" {
			return nil, errors.Newf("invalid node %q, expected id=location", spec)
		}
		weight, ok := f.weights[id]
		if !ok {
			weight = 1
		}
		nodes[i] = hadb.NodeConfig{ID: hadb.NodeID(id), Location: location, Weight: weight, Active: true}
		for _, in := range f.inactive {
			if in == id {
				nodes[i].Active = false
			}
		}
	}
	return nodes, nil
}

func options(f *serveFlags, logger *zap.Logger) ([]hadb.Option, error) {
	connector := f.connector
	if connector == nil {
		connector = pgxbackend.Connector{MaxConns: f.maxConns}
	}
	opts := []hadb.Option{
		hadb.WithLogger(logger),
		hadb.WithConnector(connector),
		hadb.WithCredentials(f.user, f.password),
		hadb.WithBalancer(f.balancer),
		hadb.WithSyncStrategy(f.sync),
		hadb.WithTimeout(f.timeout),
	}
	if f.autoResync {
		opts = append(opts, hadb.WithAutoResync())
	}
	if f.dump != "" || f.restore != "" {
		if f.dump == "" || f.restore == "" {
			return nil, errors.New("--dump and --restore must be given together")
		}
		opts = append(opts, hadb.WithDumpRestore(strings.Fields(f.dump), strings.Fields(f.restore)))
	}
	if f.bolt != "" {
		log, err := durability.OpenBolt(f.bolt)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hadb.WithDurabilityLog(log))
	} else {
		opts = append(opts, hadb.WithDurability(f.dir))
	}
	return opts, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func serve(ctx context.Context, f *serveFlags) error {
	logger, err := newLogger(f.debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	nodes, err := parseNodes(f)
	if err != nil {
		return err
	}
	opts, err := options(f, logger)
	if err != nil {
		return err
	}
	db, err := hadb.Open(ctx, nodes, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close cluster", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", f.grpcAddr)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving admin service", zap.String("transport", "grpc"), zap.Stringer("addr", lis.Addr()))
		return (&hadbgrpc.Server{Admin: db}).Serve(ctx, lis)
	})
	if f.httpAddr != "" {
		srv := &http.Server{
			Addr:              f.httpAddr,
			Handler:           hadbhttp.NewHandler(db, logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving admin service", zap.String("transport", "http"), zap.String("addr", f.httpAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
