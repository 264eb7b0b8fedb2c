package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"payout-engine/pkg/task"
	"payout-engine/services/processor"
)

func enqueueCmd() *cobra.Command {
	var (
		priority int
		async    bool
		traceID  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <payout-id>...",
		Short: "Validate and queue requested payouts",
		Long: `Queue one or more payouts in requested status. Already queued payouts are
skipped; payouts failing validation are reported with their error code.

Examples:
  payoutctl enqueue po_123
  payoutctl enqueue po_123 po_124 --priority 5
  payoutctl enqueue po_123 --async`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if async {
				return enqueueAsync(cmd, args, priority, traceID)
			}
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				res, err := s.Processor.BulkEnqueue(ctx, args, priority)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority, higher runs first")
	cmd.Flags().BoolVar(&async, "async", false, "hand the ids to the task queue instead of enqueueing inline")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id attached to the async task (generated when empty)")
	return cmd
}

func enqueueAsync(cmd *cobra.Command, ids []string, priority int, traceID string) error {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	var enqueuer task.Enqueuer
	return withServices(cmd, []fx.Option{task.Client, fx.Populate(&enqueuer)}, func(ctx context.Context, _ services) error {
		t, err := processor.NewEnqueueTask(processor.EnqueuePayload{PayoutIDs: ids, Priority: priority, TraceID: traceID})
		if err != nil {
			return err
		}
		info, err := enqueuer.Enqueue(ctx, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s queued on %s (trace %s, %d payouts)\n", info.ID, info.Queue, traceID, len(ids))
		return nil
	})
}

func cancelCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "cancel <payout-id>",
		Short: "Cancel a queued payout, or ask the provider to cancel a submitted one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				p, err := s.Processor.CancelPayout(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(cmd, p)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "payoutctl", "operator recorded on the ledger entry")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job and payout counts for the last 24h plus queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				stats, err := s.Processor.RefreshStats(ctx)
				if err != nil {
					return err
				}
				health, err := s.Processor.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"stats":       stats,
					"queue_depth": health.QueueDepth,
				})
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and failed jobs past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				n, err := s.Processor.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs stuck in processing past the claim timeout to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				n, err := s.Processor.ReclaimStale(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d jobs\n", n)
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch provider status for submitted payouts and apply final outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				n, err := s.Processor.PollSettlements(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d payouts changed status\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "payouts to poll (default PROCESSOR.POLL_BATCH)")
	return cmd
}
