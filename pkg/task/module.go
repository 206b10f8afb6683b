package task

import (
	"context"
	"os"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultConcurrency     = 10
	defaultShutdownTimeout = 15 * time.Second
)

// defaultWeights favours first attempts over sweeps so a backlog of retries
// never starves fresh condition completions.
var defaultWeights = map[string]int{
	QueueFulfillment: 10,
	QueueRetry:       5,
	QueueDefault:     3,
}

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] queue unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		os.Exit(1)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(asynq.NewServeMux),
	fx.Invoke(registerServer),
)

// serverConfig builds the worker settings. Zero values in config fall back
// to the defaults above; weights from config are merged over the defaults.
func serverConfig(cfg *config.Config) asynq.Config {
	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	shutdown := cfg.Queue.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = defaultShutdownTimeout
	}

	queues := make(map[string]int, len(defaultWeights))
	for q, w := range defaultWeights {
		queues[q] = w
	}
	for q, w := range cfg.Queue.Weights {
		if w > 0 {
			queues[q] = w
		}
	}

	return asynq.Config{
		Concurrency:     concurrency,
		Queues:          queues,
		ShutdownTimeout: shutdown,
		RetryDelayFunc:  asynq.DefaultRetryDelayFunc,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried < maxRetry {
				return
			}
			zap.L().Error("[Asynq] task exhausted its retries",
				zap.String("task_type", t.Type()),
				zap.Int("retried", retried),
				zap.Error(err),
			)
		}),
	}
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	conf := serverConfig(cfg)
	server := asynq.NewServer(redisOpt(cfg), conf)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start returns once the processors are running.
			if err := server.Start(mux); err != nil {
				return err
			}
			zap.L().Info("[Asynq] worker started", zap.Int("concurrency", conf.Concurrency), zap.Any("queues", conf.Queues))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
