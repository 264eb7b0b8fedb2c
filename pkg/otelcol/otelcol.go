package otelcol

import (
	"context"
	"time"

	"payout-engine/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		ProvideResource,
		ProvideTrace,
		ProvideMetric,
	),
)

func ProvideResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(cfg.AppVersion),
		semconv.DeploymentEnvironment(cfg.AppEnv),
	))
}

func newExporter(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Otel.Protocol == "http" {
		return otlptrace.New(ctx, otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Otel.Addr),
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		))
	}

	return otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithCompressor("gzip"),
	))
}

// ProvideTrace exports spans over OTLP when OTEL.ADDR is set; otherwise spans
// are sampled locally and dropped.
func ProvideTrace(lc fx.Lifecycle, cfg *config.Config, res *resource.Resource) (trace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Otel.Addr != "" {
		exporter, err := newExporter(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		zap.L().Info("[Otel] OTEL.ADDR not set, traces are not exported")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

// ProvideMetric bridges otel instruments onto the default prometheus
// registry served at /metrics.
func ProvideMetric(lc fx.Lifecycle, res *resource.Resource) (metric.MeterProvider, error) {
	reader, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})

	return mp, nil
}
