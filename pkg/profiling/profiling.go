package profiling

import (
	"context"

	"payout-engine/pkg/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("profiling", fx.Invoke(ProvideProfiling))

// ProvideProfiling starts continuous profiling when PYROSCOPE.ADDR is set.
func ProvideProfiling(lc fx.Lifecycle, c *config.Config) error {
	if c.Pyroscope.Addr == "" {
		return nil
	}

	zap.L().Info("starting pyroscope", zap.String("app_name", c.AppName), zap.String("pyroscope_addr", c.Pyroscope.Addr))
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: c.AppName,
		ServerAddress:   c.Pyroscope.Addr,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"service_name": c.AppName,
			"env":          c.AppEnv,
		},
	})
	if err != nil {
		zap.L().Error("failed to start pyroscope", zap.Error(err))
		return err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return profiler.Stop()
		},
	})

	return nil
}
