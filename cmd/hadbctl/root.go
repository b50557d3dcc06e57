package main

import (
	"context"
	"time"

	"github.com/arya-analytics/hadb"
	hadbgrpc "github.com/arya-analytics/hadb/transport/grpc"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	addr    string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "hadbctl",
		Short:         "Serve and administer a cluster of replicated databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.addr, "addr", "localhost:7070", "address of the admin service")
	root.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "timeout for admin requests")
	root.AddCommand(
		newNodesCommand(f),
		newDeactivateCommand(f),
		newActivateCommand(f),
		newBalancerCommand(f),
		newRecoverCommand(f),
		newServeCommand(),
	)
	return root
}

// withAdmin dials the admin service and runs fn against it.
func withAdmin(cmd *cobra.Command, f *rootFlags, fn func(context.Context, hadb.Admin) error) error {
	client, conn, err := hadbgrpc.Dial(f.addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	return fn(ctx, client)
}
