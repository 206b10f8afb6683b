package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/task"
	"github.com/Phillboard/mobul-sub010/pkg/taskname"
	"github.com/Phillboard/mobul-sub010/services/condition"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const maxFulfillmentRetries = 10

// AsyncDispatcher hands completed conditions to the asynq fulfillment
// queue. The task id is derived from the binding so a handoff that is
// already queued is not queued twice.
type AsyncDispatcher struct {
	enqueuer task.Enqueuer
}

func NewAsyncDispatcher(enqueuer task.Enqueuer) *AsyncDispatcher {
	return &AsyncDispatcher{enqueuer: enqueuer}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, h condition.Handoff) error {
	t, err := task.NewJSONTask(taskname.FulfillmentProcess, h,
		asynq.Queue(task.QueueFulfillment),
		asynq.TaskID(fmt.Sprintf("fulfill:%s:%s", h.RecipientID, h.ConditionID)),
		asynq.MaxRetry(maxFulfillmentRetries),
	)
	if err != nil {
		return err
	}

	info, err := d.enqueuer.Enqueue(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Debug("fulfillment enqueued",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// InlineDispatcher fulfills in the caller's goroutine, for setups without
// an asynq worker.
type InlineDispatcher struct {
	svc *Service
}

func NewInlineDispatcher(svc *Service) *InlineDispatcher {
	return &InlineDispatcher{svc: svc}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, h condition.Handoff) error {
	_, err := d.svc.Fulfill(ctx, h)
	return err
}

// HandleFulfillmentTask is the asynq handler for taskname.FulfillmentProcess.
// Only persistence problems and in-flight duplicates are retried by asynq;
// delivery failures belong to the retry sweep.
func (s *Service) HandleFulfillmentTask(ctx context.Context, t *asynq.Task) error {
	var h condition.Handoff
	if err := json.Unmarshal(t.Payload(), &h); err != nil {
		return fmt.Errorf("decode handoff: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := s.Fulfill(ctx, h)
	if err != nil {
		return err
	}
	if rec != nil {
		logger.FromContext(ctx).Info("fulfillment processed",
			zap.String("record_id", rec.RecordID),
			zap.String("status", string(rec.DeliveryStatus)),
		)
	}
	return nil
}
