package task

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service  *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{service: svc, interval: svc.opts.SweepInterval}
}

// StartScheduler runs the sweep loop for the lifetime of the fx app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.service.RegisterTasks(ctx); err != nil {
				zap.L().Warn("[Scheduler] failed to register tasks", zap.Error(err))
			}
			runCtx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.done = make(chan struct{})
			go s.run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel == nil {
				return nil
			}
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started retry sweep scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	if err := s.service.EnqueueRetrySweep(ctx); err != nil {
		zap.L().Error("[Scheduler] failed to schedule retry sweep", zap.Error(err))
		return
	}
	zap.L().Debug("[Scheduler] retry sweep scheduled", zap.Duration("duration", time.Since(start)))
}
