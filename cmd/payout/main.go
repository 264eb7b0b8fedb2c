package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db"
	"payout-engine/pkg/featureflags"
	"payout-engine/pkg/gen"
	"payout-engine/pkg/health"
	"payout-engine/pkg/logger"
	"payout-engine/pkg/objectstore"
	"payout-engine/pkg/otelcol"
	"payout-engine/pkg/profiling"
	"payout-engine/pkg/redis"
	"payout-engine/pkg/secretmanager"
	"payout-engine/pkg/sequence"
	"payout-engine/pkg/server"
	"payout-engine/pkg/task"
	"payout-engine/services/balance"
	"payout-engine/services/bootstrap"
	"payout-engine/services/ledger"
	"payout-engine/services/monitor"
	"payout-engine/services/payout"
	"payout-engine/services/processor"
	"payout-engine/services/rail"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
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
		bootstrap.Module,
		processor.Module,
		processor.Workers,
		processor.Tasks,

		task.Client,
		task.Server,
		task.Scheduler,

		health.Module,
		monitor.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
