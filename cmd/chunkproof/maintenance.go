package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/ledger"
)

// withNode opens the node for a one-shot maintenance command and closes it
// afterwards.
func withNode(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, n *node) error) (err error) {
	cfg, log, err := flags.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := openNode(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.Close()) }()
	return fn(ctx, n)
}

func newReconcileCommand(flags *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild chunk metadata from a scan of the chunk root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, flags, func(ctx context.Context, n *node) error {
				out := cmd.OutOrStdout()
				start := time.Now()

				if dryRun {
					stats, err := n.store.Stats(ctx)
					if err != nil {
						return err
					}
					before := n.store.Counters()
					printCounters(out, "Recorded", before.TotalChunks, before.TotalBytes)
					printCounters(out, "On disk", stats.TotalChunks, stats.TotalBytes)
					if before.TotalChunks == stats.TotalChunks && before.TotalBytes == stats.TotalBytes {
						fmt.Fprintln(out, "Status:    in sync")
					} else {
						fmt.Fprintln(out, "Status:    drift detected (dry run, nothing written)")
					}
					return nil
				}

				report, err := n.store.Reconcile(ctx)
				if err != nil {
					return err
				}
				printCounters(out, "Before", report.Before.TotalChunks, report.Before.TotalBytes)
				printCounters(out, "After", report.After.TotalChunks, report.After.TotalBytes)
				fmt.Fprintf(out, "Records:   +%d -%d ~%d\n", report.RecordsAdded, report.RecordsRemoved, report.RecordsUpdated)
				fmt.Fprintf(out, "Duration:  %s\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compare counters with the chunk root without writing")
	return cmd
}

func printCounters(w io.Writer, label string, chunks, size int64) {
	if size < 0 {
		size = 0
	}
	fmt.Fprintf(w, "%-10s %d chunks, %s\n", label+":", chunks, humanize.IBytes(uint64(size)))
}

func newTierCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tier <cid> <hot|warm|cold>",
		Short: "Move a stored chunk to another storage tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := core.Tier(args[1])
			if !to.Valid() {
				return core.Validation("unknown tier %q", args[1])
			}
			return withNode(cmd, flags, func(ctx context.Context, n *node) error {
				info, err := n.store.MigrateTier(ctx, args[0], to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", info.CID, info.Tier, humanize.IBytes(uint64(info.Size)))
				return nil
			})
		},
	}
}

func newClaimsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Manage chunk claims in the local contribution ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <manifest>",
		Short: "Apply a claims manifest (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, flags, func(ctx context.Context, n *node) error {
				if n.local == nil {
					return xerrors.New("claims can only be managed with the local ledger")
				}
				manifest, err := ledger.LoadManifest(args[0])
				if err != nil {
					return err
				}
				added, err := ledger.ApplyManifest(ctx, n.local, manifest)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d new claims for %d agents\n", added, len(manifest.Agents))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <agent>",
		Short: "List the chunks an agent claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, flags, func(ctx context.Context, n *node) error {
				cids, err := n.contributions.ClaimedCIDs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, c := range cids {
					fmt.Fprintln(cmd.OutOrStdout(), c)
				}
				return nil
			})
		},
	})
	return cmd
}

func newJournalCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the challenge outcome journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of every journaled outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, flags, func(ctx context.Context, n *node) error {
				count, err := n.feed.Verify()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "verified %d outcomes, head %d\n", count, n.feed.Head())
				return nil
			})
		},
	})
	return cmd
}
