package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db"
	"payout-engine/pkg/gen"
	"payout-engine/pkg/logger"
	"payout-engine/pkg/secretmanager"
	"payout-engine/services/balance"
	"payout-engine/services/bootstrap"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
)

// seed migrates the schema and creates a sandbox user whose payouts are
// ready for `payoutctl enqueue`.
func main() {
	var (
		params   bootstrap.SeedParams
		rail     string
		payouts  []int64
		deadline time.Duration
	)

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create a sandbox user with a verified method, funds and requested payouts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Rail = payout.Rail(rail)
			params.Payouts = payouts

			var svc *bootstrap.Service
			app := fx.New(
				secretmanager.Module,
				config.Module,
				logger.Module,
				db.Module,
				gen.Module,
				payout.Module,
				ledger.Module,
				balance.Module,
				bootstrap.Module,
				fx.Populate(&svc),
				fx.NopLogger,
			)

			ctx, cancel := context.WithTimeout(cmd.Context(), deadline)
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop(context.Background())

			res, err := svc.Seed(ctx, params)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&params.UserID, "user", "u", "sandbox-user", "user id to seed")
	cmd.Flags().StringVarP(&rail, "rail", "r", string(payout.RailDomesticACH), "rail of the withdrawal method")
	cmd.Flags().StringVar(&params.Country, "country", "US", "method country")
	cmd.Flags().StringVar(&params.Currency, "currency", "USD", "method and balance currency")
	cmd.Flags().Int64Var(&params.Credit, "credit", 100_000, "released funds to credit, minor units")
	cmd.Flags().Int64SliceVar(&payouts, "payout", []int64{10_000}, "requested payout amounts, minor units")
	cmd.Flags().DurationVar(&deadline, "timeout", time.Minute, "deadline for the seed run")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
