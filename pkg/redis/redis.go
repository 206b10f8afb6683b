package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	pingAttempts = 5
	pingBackoff  = 3 * time.Second
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New connects the cache used by the tenant chain lookups and the reward
// sequence counters. Both degrade to the database when redis is down, so a
// failed ping is logged and the client is still returned.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
	)

	rdb := redis.NewClient(Options(c))

	if err := waitReady(context.Background(), rdb, log); err != nil {
		log.Error("[Redis] giving up on startup ping, continuing degraded", zap.Error(err))
	} else {
		log.Info("[Redis] connected")
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

// Options maps config onto client options. The queue shares the same
// instance.
func Options(c *config.Config) *redis.Options {
	return &redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	}
}

func waitReady(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	var err error
	for i := 1; i <= pingAttempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		log.Warn("[Redis] not ready, retrying", zap.Int("attempt", i), zap.Duration("backoff", pingBackoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingBackoff):
		}
	}
	return fmt.Errorf("redis not ready after %d attempts: %w", pingAttempts, err)
}
