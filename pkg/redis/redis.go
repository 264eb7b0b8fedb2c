package redis

import (
	"context"
	"time"

	"payout-engine/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
	fx.Provide(NewCache),
)

func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
		zap.Duration("pool_timeout", c.Redis.PoolTimeout),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	var err error
	for i := 0; i < 5; i++ {
		if err = rdb.Ping(context.Background()).Err(); err == nil {
			break
		}
		zapLog.Warn("[Redis] Redis not ready, retrying in 3 seconds...", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		// Balance reads fall back to the database while redis is down.
		zapLog.Error("[Redis] giving up on initial ping", zap.Error(err))
	} else {
		zapLog.Info("[Redis] Connected to Redis")
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
