package task

import (
	"context"
	"os"

	"payout-engine/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] Failed to connect to Asynq", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[Asynq] Connected to Asynq")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency:    cfg.Processor.Workers * 2,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Queues: map[string]int{
				QueueCritical: 10,
				QueueDefault:  5,
				QueueLow:      3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(mux); err != nil {
					zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("[Asynq] Asynq server started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
