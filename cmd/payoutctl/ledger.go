package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		user  string
		all   bool
		batch int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report balance drift against release and payout history",
		Long: `Recompute expected available balances and report differences. Stored
balances are never modified; every discrepancy is written to the ledger.

Examples:
  payoutctl reconcile --user u_42
  payoutctl reconcile --all --batch 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (user == "") == !all {
				return errors.New("exactly one of --user or --all is required")
			}
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				if all {
					drift, err := s.Balance.ReconcileAll(ctx, batch)
					if err != nil {
						return err
					}
					return printJSON(cmd, drift)
				}
				drift, err := s.Balance.ReconcileUserBalance(ctx, user)
				if err != nil {
					return err
				}
				if len(drift) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "user %s: balances consistent\n", user)
					return nil
				}
				return printJSON(cmd, drift)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id to reconcile")
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every user holding a balance")
	cmd.Flags().IntVar(&batch, "batch", 100, "users per page with --all")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the reconciliation ledger",
	}
	cmd.AddCommand(ledgerReportCmd())
	cmd.AddCommand(ledgerVerifyCmd())
	return cmd
}

func ledgerReportCmd() *cobra.Command {
	var (
		window  time.Duration
		top     int
		archive bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate ledger activity over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if window <= 0 {
				return errors.New("--window must be positive")
			}
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				to := time.Now().UTC()
				report, err := s.Ledger.Report(ctx, to.Add(-window), to, top)
				if err != nil {
					return err
				}
				if archive {
					key, err := s.Ledger.ExportReport(ctx, report)
					if err != nil {
						return err
					}
					if key == "" {
						fmt.Fprintln(cmd.ErrOrStderr(), "object store not configured, report not archived")
					}
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 24*time.Hour, "trailing window to aggregate")
	cmd.Flags().IntVar(&top, "top", 10, "number of busiest users to list")
	cmd.Flags().BoolVar(&archive, "archive", false, "store the report in the object store")
	return cmd
}

func ledgerVerifyCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a user's ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, nil, func(ctx context.Context, s services) error {
				res, err := s.Ledger.VerifyChain(ctx, user)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("ledger chain for %s broken at entry %s", user, res.BrokenAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id whose chain to verify")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
