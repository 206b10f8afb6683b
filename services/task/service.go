package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	queue "github.com/Phillboard/mobul-sub010/pkg/task"
	"github.com/Phillboard/mobul-sub010/pkg/taskname"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/fulfillment"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Deliverer re-enters the fulfillment pipeline for a pending record.
type Deliverer interface {
	Deliver(ctx context.Context, recordID string) (*fulfillment.DeliveryRecord, error)
}

// Handoffs re-sends completed conditions whose fulfillment handoff was
// never accepted.
type Handoffs interface {
	RedispatchPending(ctx context.Context, limit int) (int, error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	opts      config.Fulfillment
	deliverer Deliverer
	handoffs  Handoffs
	enqueuer  queue.Enqueuer
	audit     audit.Recorder

	now func() time.Time
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Deliverer Deliverer
	Audit     audit.Recorder
	Handoffs  Handoffs       `optional:"true"`
	Enqueuer  queue.Enqueuer `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		opts:      p.Config.Fulfillment.Defaults(),
		deliverer: p.Deliverer,
		handoffs:  p.Handoffs,
		enqueuer:  p.Enqueuer,
		audit:     p.Audit,
		now:       time.Now,
	}
}

// RegisterTasks makes sure the task registry row exists.
func (s *Service) RegisterTasks(ctx context.Context) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Task{
		ID:          s.node.Generate().String(),
		Name:        TaskRetrySweep,
		Description: "Re-deliver failed rewards below the retry ceiling",
		Schedule:    s.opts.SweepInterval.String(),
		IsActive:    true,
	}).Error
}

// EnqueueRetrySweep queues a sweep on the retry queue. Sweeps already
// queued within the interval are collapsed into one, so several instances
// running the scheduler do not pile up work.
func (s *Service) EnqueueRetrySweep(ctx context.Context) error {
	if s.enqueuer == nil {
		_, err := s.RunRetrySweep(ctx)
		return err
	}

	t := asynq.NewTask(taskname.DeliveryRetrySweep, nil,
		asynq.Queue(queue.QueueRetry),
		asynq.Unique(s.opts.SweepInterval),
		asynq.MaxRetry(0),
	)
	_, err := s.enqueuer.Enqueue(ctx, t)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// HandleRetrySweepTask is the asynq handler for taskname.DeliveryRetrySweep.
func (s *Service) HandleRetrySweepTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.RunRetrySweep(ctx)
	return err
}

// RunRetrySweep first redispatches unaccepted handoffs, then re-attempts
// failed, retryable deliveries below the retry ceiling and resumes pending
// deliveries nobody has advanced within the stale window. Records come
// oldest first, at most one batch per call. Each record is claimed with a
// conditional update before it is delivered, so concurrent sweeps never
// drive the same record twice.
//
// A record that failed for lack of a channel waits until its
// next_attempt_at passes or an operator reconfigures an account on its
// channel.
func (s *Service) RunRetrySweep(ctx context.Context) (*SweepResult, error) {
	started := s.now()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskName:  TaskRetrySweep,
		Status:    JobRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create sweep job: %w", err)
	}

	log := logger.FromContext(ctx, zap.String("job_id", job.ID))
	result := &SweepResult{JobID: job.ID}

	if s.handoffs != nil {
		n, err := s.handoffs.RedispatchPending(ctx, s.opts.SweepBatchSize)
		if err != nil {
			result.Errors++
			log.Error("handoff redispatch failed", zap.Error(err))
		}
		result.Redispatched = n
	}

	now := s.now()
	var candidates []*fulfillment.DeliveryRecord
	err := s.db.WithContext(ctx).
		Where(s.db.
			Where("delivery_status = ? AND retryable = ? AND retry_count < ?", fulfillment.StatusFailed, true, s.opts.RetryCeiling).
			Where(s.db.
				Where("awaiting_channel = ?", false).
				Or("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", now).
				Or("EXISTS (SELECT 1 FROM communication_accounts a WHERE a.channel = delivery_records.channel AND a.configured_at > delivery_records.updated_at)"))).
		Or("delivery_status = ? AND updated_at < ?", fulfillment.StatusPending, now.Add(-s.opts.StaleAfter())).
		Order("created_at asc").
		Order("record_id asc").
		Limit(s.opts.SweepBatchSize).
		Find(&candidates).Error
	if err != nil {
		s.finish(ctx, job, result, err)
		return nil, fmt.Errorf("select retry candidates: %w", err)
	}
	result.Selected = len(candidates)

	for _, rec := range candidates {
		if ctx.Err() != nil {
			break
		}

		resumed := rec.DeliveryStatus == fulfillment.StatusPending
		var claimed bool
		if resumed {
			claimed, err = s.claimStale(ctx, rec)
		} else {
			claimed, err = s.claim(ctx, rec)
		}
		if err != nil {
			result.Errors++
			metrics.RetrySweeps.WithLabelValues("error").Inc()
			log.Error("failed to claim delivery for retry", zap.String("record_id", rec.RecordID), zap.Error(err))
			continue
		}
		if !claimed {
			metrics.RetrySweeps.WithLabelValues("skipped").Inc()
			continue
		}
		if resumed {
			result.Resumed++
		} else {
			result.Claimed++
		}

		out, err := s.deliverer.Deliver(ctx, rec.RecordID)
		outcome := "error"
		switch {
		case err != nil:
			result.Errors++
			log.Error("retry delivery errored", zap.String("record_id", rec.RecordID), zap.Error(err))
		case out.DeliveryStatus == fulfillment.StatusSent:
			result.Delivered++
			outcome = "delivered"
		default:
			result.Failed++
			outcome = "failed"
		}
		metrics.RetrySweeps.WithLabelValues(outcome).Inc()

		msg := fmt.Sprintf("retry %d/%d: %s", rec.RetryCount+1, s.opts.RetryCeiling, outcome)
		if resumed {
			msg = fmt.Sprintf("resumed stale %s delivery: %s", rec.Stage, outcome)
		}
		s.audit.Record(ctx, audit.Event{
			TenantID:    rec.TenantID,
			Kind:        audit.KindRetrySweep,
			RecipientID: rec.RecipientID,
			ConditionID: rec.ConditionID,
			Reference:   rec.RecordID,
			Message:     msg,
			Payload:     audit.Payload(map[string]any{"job_id": job.ID}),
		})
	}

	s.finish(ctx, job, result, nil)
	log.Info("retry sweep finished",
		zap.Int("redispatched", result.Redispatched),
		zap.Int("selected", result.Selected),
		zap.Int("resumed", result.Resumed),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// claim moves a failed record back to pending and spends one retry.
func (s *Service) claim(ctx context.Context, rec *fulfillment.DeliveryRecord) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&fulfillment.DeliveryRecord{}).
		Where("record_id = ? AND delivery_status = ? AND retryable = ? AND retry_count < ?",
			rec.RecordID, fulfillment.StatusFailed, true, s.opts.RetryCeiling).
		Updates(map[string]any{
			"retry_count":      gorm.Expr("retry_count + 1"),
			"delivery_status":  fulfillment.StatusPending,
			"awaiting_channel": false,
			"next_attempt_at":  nil,
			"last_retry_at":    now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// claimStale takes over a pending record left behind by a worker that
// stopped mid-pipeline. It does not spend a retry.
func (s *Service) claimStale(ctx context.Context, rec *fulfillment.DeliveryRecord) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&fulfillment.DeliveryRecord{}).
		Where("record_id = ? AND delivery_status = ? AND updated_at < ?",
			rec.RecordID, fulfillment.StatusPending, now.Add(-s.opts.StaleAfter())).
		Update("updated_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) finish(ctx context.Context, job *Job, result *SweepResult, runErr error) {
	now := s.now()
	updates := map[string]any{
		"status":       JobSuccess,
		"completed_at": now,
		"metadata":     audit.Payload(result),
	}
	if runErr != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = runErr.Error()
	}
	// the sweep's own context may be done already
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to finish job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	var out []*Job
	err := s.db.WithContext(ctx).Order("created_at desc").Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
