package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/arya-analytics/hadb"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newNodesCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of the cluster and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, f, func(ctx context.Context, a hadb.Admin) error {
				statuses, err := a.Nodes(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tLOCATION\tWEIGHT\tSTATE\tSINCE\tREASON")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
						s.ID, s.Location, s.Weight, state(s), s.Since.Format(time.RFC3339), s.Reason)
				}
				return w.Flush()
			})
		},
	}
}

func state(s hadb.NodeStatus) string {
	switch {
	case s.Active:
		return "active"
	case s.Dirty:
		return "inactive (dirty)"
	}
	return "inactive"
}

func newDeactivateCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <node>",
		Short: "Remove a node from service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, f, func(ctx context.Context, a hadb.Admin) error {
				if err := a.Deactivate(ctx, hadb.NodeID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", args[0])
				return nil
			})
		},
	}
}

func newActivateCommand(f *rootFlags) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "activate <node>",
		Short: "Synchronize a node and return it to service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, f, func(ctx context.Context, a hadb.Admin) error {
				if err := a.Activate(ctx, hadb.NodeID(args[0]), strategy); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "synchronization strategy (passive, full, diff, dump-restore)")
	return cmd
}

func newBalancerCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balancer <policy>",
		Short: "Change the read balancing policy (simple, random, round-robin, load)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, f, func(ctx context.Context, a hadb.Admin) error {
				if err := a.SetBalancer(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balancer set to %s\n", args[0])
				return nil
			})
		},
	}
}

func newRecoverCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Find transactions with divergent outcomes and deactivate the nodes that missed them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, f, func(ctx context.Context, a hadb.Admin) error {
				found, err := a.Recover(ctx)
				if err != nil && !errors.Is(err, hadb.ErrInconsistentDurability) {
					return err
				}
				if len(found) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no divergent transactions")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TRANSACTION\tDIVERGENT\tDURABLE ON")
				for _, inc := range found {
					fmt.Fprintf(w, "%s\t%s\t%s\n", inc.Transaction, join(inc.Divergent), join(inc.Record.DurableOn))
				}
				return w.Flush()
			})
		},
	}
}

func join(ids []hadb.NodeID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ",")
}
