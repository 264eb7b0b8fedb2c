package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db"
	"payout-engine/pkg/featureflags"
	"payout-engine/pkg/gen"
	"payout-engine/pkg/logger"
	"payout-engine/pkg/objectstore"
	"payout-engine/pkg/redis"
	"payout-engine/pkg/secretmanager"
	"payout-engine/pkg/sequence"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/processor"
	"payout-engine/services/rail"
)

var Version = "dev"

var (
	configPath string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the payout engine: queue, maintenance and reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the command")

	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(reclaimCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configOption() fx.Option {
	if configPath == "" {
		return fx.Options(secretmanager.Module, config.Module)
	}
	return fx.Provide(func() (*config.Config, error) {
		return config.Load(configPath)
	})
}

// services is the subset of the engine the CLI drives directly.
type services struct {
	fx.In
	Processor *processor.Processor
	Ledger    *ledger.Service
	Balance   *balance.Service
}

// withServices builds the engine without its worker pool or servers, runs
// fn, then tears the app down.
func withServices(cmd *cobra.Command, extra []fx.Option, fn func(ctx context.Context, s services) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	var s services
	opts := append([]fx.Option{
		configOption(),
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		objectstore.Module,
		payout.Module,
		rail.Module,
		ledger.Module,
		balance.Module,
		processor.Module,
		fx.Populate(&s),
		fx.NopLogger,
	}, extra...)

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := app.Stop(stopCtx); err != nil {
			zap.L().Warn("app stop failed", zap.Error(err))
		}
	}()

	return fn(ctx, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
