package logger

import (
	"context"

	"payout-engine/pkg/config"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(New),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config `optional:"true"`
}

// New builds the process logger and installs it as the zap global so
// services can log through zap.L().
func New(p ConfigParams) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())
	if p.Cfg != nil && p.Cfg.AppEnv == "production" {
		log = zap.Must(productionConfig().Build())
	}

	if p.Cfg != nil {
		log = log.With(
			zap.String("env", p.Cfg.AppEnv),
			zap.String("service_name", p.Cfg.AppName),
			zap.Int64("node_id", p.Cfg.NodeID),
		)
	}

	zap.ReplaceGlobals(log)

	return log
}

func productionConfig() zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.TimeKey = "timestamp"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.StacktraceKey = "stacktrace"
	c.EncoderConfig.LevelKey = "severity"
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	c.EncoderConfig.CallerKey = "caller"
	c.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	c.Encoding = "json"
	c.OutputPaths = []string{"stdout"}
	c.ErrorOutputPaths = []string{"stderr"}
	return c
}

// TraceFields returns the trace and span ids of the active span so log
// lines can be joined with traces.
func TraceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
