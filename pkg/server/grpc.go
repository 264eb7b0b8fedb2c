package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/pkg/errutil"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gorm.io/gorm"
)

var ProvideGRPCServer = fx.Module("grpc.server",
	fx.Provide(
		NewListener,
		NewGRPCServer,
		health.NewServer,
	),
	fx.Invoke(
		RegisterHealth,
		StartGRPCServer,
	),
)

// ServiceName is the health entry orchestration probes ask for.
const ServiceName = "payout.Processor"

func NewListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%s", cfg.Grpc.Addr))
}

type grpcParams struct {
	fx.In
	Config *config.Config
	Tracer trace.TracerProvider `optional:"true"`
	Meter  metric.MeterProvider `optional:"true"`
}

func NewGRPCServer(p grpcParams) (*grpc.Server, error) {
	var handlerOpts []otelgrpc.Option
	if p.Tracer != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithTracerProvider(p.Tracer))
	}
	if p.Meter != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithMeterProvider(p.Meter))
	}

	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler(handlerOpts...)),
		grpc.ChainUnaryInterceptor(errorInterceptor),
	}

	if p.Config.TLS.Enable {
		creds, err := credentials.NewServerTLSFromFile(p.Config.TLS.CertPath, p.Config.TLS.KeyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	return grpc.NewServer(opts...), nil
}

// errorInterceptor maps domain errors onto gRPC status codes.
func errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return resp, errutil.ToGRPCError(err)
	}
	return resp, nil
}

type healthParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Server    *grpc.Server
	Health    *health.Server
	DB        *gorm.DB `optional:"true"`
}

// RegisterHealth serves grpc.health.v1 and keeps the processor entry in
// sync with database reachability.
func RegisterHealth(p healthParams) {
	healthpb.RegisterHealthServer(p.Server, p.Health)
	p.Health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	if p.DB == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go watchDatabase(ctx, p.DB, p.Health)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			p.Health.Shutdown()
			return nil
		},
	})
}

func watchDatabase(ctx context.Context, db *gorm.DB, hs *health.Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_SERVING
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(ServiceName, status)
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func StartGRPCServer(lc fx.Lifecycle, lis net.Listener, srv *grpc.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				zap.L().Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
				reflection.Register(srv)
				if err := srv.Serve(lis); err != nil {
					zap.L().Error("gRPC server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Stopping gRPC server")
			srv.GracefulStop()
			return nil
		},
	})
}
