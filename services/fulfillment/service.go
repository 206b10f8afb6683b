package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/db/pagination"
	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/featureflags"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/messaging"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	"github.com/Phillboard/mobul-sub010/pkg/repository"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound     = errutil.New(errutil.StatusNotFound, "delivery record not found")
	ErrRecordNotPending   = errutil.New(errutil.StatusConflict, "delivery record is not pending")
	ErrDeliveryInProgress = errutil.New(errutil.StatusConflict, "delivery is in progress")
)

type Inventory interface {
	Claim(ctx context.Context, req inventory.ClaimRequest) (*inventory.Unit, error)
	MarkDelivered(ctx context.Context, unitID string) error
	RevealCode(ctx context.Context, unitID string) (string, error)
	GetPool(ctx context.Context, poolID string) (*inventory.Pool, error)
}

type Channels interface {
	Resolve(ctx context.Context, req channel.ResolveRequest) (*channel.Resolution, error)
	RecordFailure(ctx context.Context, accountID string, cause error) error
	RecordSuccess(ctx context.Context, accountID string) error
}

type Contacts interface {
	Get(ctx context.Context, contactID string) (*contact.Contact, error)
}

type Billing interface {
	Charge(ctx context.Context, req ledger.EntryRequest) (*ledger.LedgerEntry, error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	opts      config.Fulfillment
	inventory Inventory
	channels  Channels
	contacts  Contacts
	billing   Billing
	gateway   messaging.Gateway
	flags     featureflags.FeatureFlag
	audit     audit.Recorder
	repo      repository.Repository[DeliveryRecord]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Inventory Inventory
	Channels  Channels
	Contacts  Contacts
	Billing   Billing
	Gateway   messaging.Gateway
	Flags     featureflags.FeatureFlag
	Audit     audit.Recorder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		opts:      p.Config.Fulfillment.Defaults(),
		inventory: p.Inventory,
		channels:  p.Channels,
		contacts:  p.Contacts,
		billing:   p.Billing,
		gateway:   p.Gateway,
		flags:     p.Flags,
		audit:     p.Audit,
		repo:      repository.ProvideStore[DeliveryRecord](p.DB),
		now:       time.Now,
	}
}

// Fulfill turns a completed condition into a delivered reward. It creates
// the delivery record for (recipient, condition) at most once; a repeated
// handoff returns the existing record, or resumes it when its previous run
// went stale. log_only conditions only leave an audit event.
//
// Delivery failures are recorded on the returned record, not returned as
// errors. An error means the pipeline could not persist its state.
func (s *Service) Fulfill(ctx context.Context, h condition.Handoff) (*DeliveryRecord, error) {
	if h.TenantID == "" || h.RecipientID == "" || h.ConditionID == "" {
		return nil, errutil.BadRequest("tenant_id, recipient_id and condition_id are required", nil)
	}

	if !h.TriggerAction.SendsReward() {
		s.audit.Record(ctx, audit.Event{
			TenantID:    h.TenantID,
			Kind:        audit.KindDeliveryAttempt,
			RecipientID: h.RecipientID,
			ConditionID: h.ConditionID,
			Message:     fmt.Sprintf("%s: no reward sent", h.TriggerAction),
		})
		return nil, nil
	}

	rec := &DeliveryRecord{
		RecordID:        s.node.Generate().String(),
		TenantID:        h.TenantID,
		CampaignID:      h.CampaignID,
		RecipientID:     h.RecipientID,
		ConditionID:     h.ConditionID,
		TriggerAction:   h.TriggerAction,
		Channel:         channelFor(h.TriggerAction),
		RewardPoolID:    h.RewardPoolID,
		Stage:           StageEvaluated,
		DeliveryStatus:  StatusPending,
		MessageTemplate: h.MessageTemplate,
	}
	if len(h.Metadata) > 0 {
		b, err := json.Marshal(h.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("invalid metadata", err)
		}
		rec.Metadata = datatypes.JSON(b)
	}

	created, err := s.repo.CreateIgnoreConflict(ctx, rec, "recipient_id", "condition_id")
	if err != nil {
		return nil, fmt.Errorf("create delivery record: %w", err)
	}

	if created == 0 {
		existing, err := s.repo.FindOne(ctx, &DeliveryRecord{RecipientID: h.RecipientID, ConditionID: h.ConditionID})
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrRecordNotFound
		}
		if existing.DeliveryStatus != StatusPending {
			return existing, nil
		}
		if s.now().Sub(existing.UpdatedAt) < s.opts.StaleAfter() {
			return existing, ErrDeliveryInProgress
		}
		taken, err := s.ClaimStale(ctx, existing.RecordID)
		if err != nil {
			return nil, err
		}
		if !taken {
			return existing, ErrDeliveryInProgress
		}
		logger.FromContext(ctx).Info("resuming stale delivery",
			zap.String("record_id", existing.RecordID),
			zap.String("stage", string(existing.Stage)),
		)
		rec = existing
	}

	return s.run(ctx, rec)
}

// Deliver drives a pending record from where it stopped. The retry sweep
// moves a failed record back to pending before calling it.
func (s *Service) Deliver(ctx context.Context, recordID string) (*DeliveryRecord, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.DeliveryStatus != StatusPending {
		return rec, fmt.Errorf("%w: record %s is %s", ErrRecordNotPending, recordID, rec.DeliveryStatus)
	}
	return s.run(ctx, rec)
}

// run is the stage machine. Allocation is skipped once a unit is bound, so a
// resumed record never claims twice.
func (s *Service) run(ctx context.Context, rec *DeliveryRecord) (*DeliveryRecord, error) {
	log := logger.FromContext(ctx,
		zap.String("record_id", rec.RecordID),
		zap.String("recipient_id", rec.RecipientID),
		zap.String("condition_id", rec.ConditionID),
	)

	paused, err := s.flags.Enabled(ctx, rec.TenantID, featureflags.FulfillmentPaused)
	if err != nil {
		log.Warn("pause flag lookup failed, continuing", zap.Error(err))
	}
	if paused {
		return s.fail(ctx, rec, rec.Stage, ReasonPaused, true)
	}

	if rec.RewardPoolID == "" {
		return s.fail(ctx, rec, StageAllocating, "no reward pool configured", false)
	}

	pool, err := s.inventory.GetPool(ctx, rec.RewardPoolID)
	if err != nil {
		if errors.Is(err, inventory.ErrPoolNotFound) {
			return s.fail(ctx, rec, StageAllocating, err.Error(), false)
		}
		return s.fail(ctx, rec, StageAllocating, err.Error(), true)
	}

	if rec.RewardUnitID == nil {
		if err := s.advance(ctx, rec, StageAllocating, nil); err != nil {
			return nil, err
		}

		unit, err := s.inventory.Claim(ctx, inventory.ClaimRequest{
			PoolID:      rec.RewardPoolID,
			RecipientID: rec.RecipientID,
			ConditionID: rec.ConditionID,
		})
		switch {
		case errors.Is(err, inventory.ErrInsufficientInventory):
			return s.fail(ctx, rec, StageAllocating, ReasonPoolExhausted, false)
		case err != nil:
			return s.fail(ctx, rec, StageAllocating, err.Error(), true)
		}

		if err := s.advance(ctx, rec, StageAllocated, map[string]any{"reward_unit_id": unit.UnitID}); err != nil {
			return nil, err
		}
		rec.RewardUnitID = &unit.UnitID
	}

	s.charge(ctx, rec, pool)

	if err := s.advance(ctx, rec, StageResolving, nil); err != nil {
		return nil, err
	}

	res, err := s.channels.Resolve(ctx, channel.ResolveRequest{
		ClientID:    rec.TenantID,
		Channel:     rec.Channel,
		RecipientID: rec.RecipientID,
		ConditionID: rec.ConditionID,
	})
	switch {
	case errors.Is(err, channel.ErrNoChannelAvailable):
		var retryAfter *time.Time
		if res != nil {
			retryAfter = res.RetryAfter
		}
		return s.failWith(ctx, rec, StageResolving, ReasonNoChannel, true, map[string]any{
			"awaiting_channel": true,
			"next_attempt_at":  retryAfter,
		})
	case err != nil:
		return s.fail(ctx, rec, StageResolving, err.Error(), true)
	}
	active := res.Active

	if err := s.advance(ctx, rec, StageResolved, map[string]any{
		"account_id":    active.AccountID,
		"account_level": active.Level,
	}); err != nil {
		return nil, err
	}
	rec.AccountID = &active.AccountID
	rec.AccountLevel = active.Level

	msg, reason, retryable := s.compose(ctx, rec, pool)
	if reason != "" {
		return s.fail(ctx, rec, StageResolved, reason, retryable)
	}

	if err := s.advance(ctx, rec, StageSending, nil); err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	result, err := s.gateway.SendMessage(sendCtx, active.Ref(), msg)
	cancel()
	if err != nil {
		if ferr := s.channels.RecordFailure(ctx, active.AccountID, err); ferr != nil {
			log.Error("failed to record account failure", zap.String("account_id", active.AccountID), zap.Error(ferr))
		}
		return s.fail(ctx, rec, StageSending, "send failed: "+err.Error(), true)
	}

	if err := s.channels.RecordSuccess(ctx, active.AccountID); err != nil {
		log.Error("failed to record account success", zap.String("account_id", active.AccountID), zap.Error(err))
	}
	if err := s.inventory.MarkDelivered(ctx, *rec.RewardUnitID); err != nil {
		log.Error("failed to mark reward unit delivered", zap.String("unit_id", *rec.RewardUnitID), zap.Error(err))
	}

	return s.succeed(ctx, rec, result)
}

// compose renders the reward message. A non-empty reason means the record
// cannot be sent.
func (s *Service) compose(ctx context.Context, rec *DeliveryRecord, pool *inventory.Pool) (messaging.Message, string, bool) {
	c, err := s.contacts.Get(ctx, rec.RecipientID)
	if err != nil {
		return messaging.Message{}, err.Error(), !errors.Is(err, contact.ErrContactNotFound)
	}

	code, err := s.inventory.RevealCode(ctx, *rec.RewardUnitID)
	if err != nil {
		return messaging.Message{}, err.Error(), true
	}

	var metadata map[string]any
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &metadata); err != nil {
			logger.FromContext(ctx).Warn("ignoring unreadable delivery metadata",
				zap.String("record_id", rec.RecordID),
				zap.Error(err),
			)
		}
	}

	msg, err := rewardMessage(rec.MessageTemplate, rec.Channel, c, pool, code, metadata)
	if err != nil {
		return messaging.Message{}, err.Error(), false
	}
	return msg, "", false
}

// charge debits the tenant for the claimed unit. The unit id is the ledger
// reference, so resumed runs never double charge. Billing problems are
// logged and do not hold back the reward.
func (s *Service) charge(ctx context.Context, rec *DeliveryRecord, pool *inventory.Pool) {
	if s.billing == nil || pool.CostPerUnit <= 0 || rec.RewardUnitID == nil {
		return
	}
	_, err := s.billing.Charge(ctx, ledger.EntryRequest{
		TenantID:    rec.TenantID,
		Amount:      pool.CostPerUnit,
		ReferenceID: *rec.RewardUnitID,
		Description: fmt.Sprintf("%s reward for %s", pool.Name, rec.RecipientID),
		Metadata: audit.Payload(map[string]string{
			"pool_id":      pool.PoolID,
			"record_id":    rec.RecordID,
			"condition_id": rec.ConditionID,
		}),
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to charge reward unit",
			zap.String("record_id", rec.RecordID),
			zap.String("unit_id", *rec.RewardUnitID),
			zap.Error(err),
		)
	}
}

// advance persists a stage transition. Only pending records move.
func (s *Service) advance(ctx context.Context, rec *DeliveryRecord, stage Stage, fields map[string]any) error {
	updates := map[string]any{"stage": stage, "updated_at": s.now()}
	for k, v := range fields {
		updates[k] = v
	}
	if err := s.update(ctx, rec.RecordID, updates); err != nil {
		return fmt.Errorf("advance %s to %s: %w", rec.RecordID, stage, err)
	}
	rec.Stage = stage
	return nil
}

// ClaimStale takes over a pending record whose last stage write is older
// than the stale window by touching updated_at. Only one caller wins.
func (s *Service) ClaimStale(ctx context.Context, recordID string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&DeliveryRecord{}).
		Where("record_id = ? AND delivery_status = ? AND updated_at < ?", recordID, StatusPending, now.Add(-s.opts.StaleAfter())).
		Update("updated_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("claim stale %s: %w", recordID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) update(ctx context.Context, recordID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&DeliveryRecord{}).
		Where("record_id = ? AND delivery_status = ?", recordID, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotPending
	}
	return nil
}

func (s *Service) fail(ctx context.Context, rec *DeliveryRecord, at Stage, reason string, retryable bool) (*DeliveryRecord, error) {
	return s.failWith(ctx, rec, at, reason, retryable, nil)
}

// failWith persists a failure. extra may set awaiting_channel and
// next_attempt_at; both are cleared otherwise.
func (s *Service) failWith(ctx context.Context, rec *DeliveryRecord, at Stage, reason string, retryable bool, extra map[string]any) (*DeliveryRecord, error) {
	updates := map[string]any{
		"stage":            StageFailed,
		"failed_stage":     at,
		"delivery_status":  StatusFailed,
		"retryable":        retryable,
		"failure_reason":   reason,
		"awaiting_channel": false,
		"next_attempt_at":  nil,
		"updated_at":       s.now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	if err := s.update(ctx, rec.RecordID, updates); err != nil {
		return nil, fmt.Errorf("fail %s: %w", rec.RecordID, err)
	}
	rec.AwaitingChannel, _ = updates["awaiting_channel"].(bool)
	rec.NextAttemptAt, _ = updates["next_attempt_at"].(*time.Time)
	rec.Stage = StageFailed
	rec.FailedStage = at
	rec.DeliveryStatus = StatusFailed
	rec.Retryable = retryable
	rec.FailureReason = reason

	logger.FromContext(ctx).Warn("reward delivery failed",
		zap.String("record_id", rec.RecordID),
		zap.String("stage", string(at)),
		zap.String("reason", reason),
		zap.Bool("retryable", retryable),
	)
	s.recordAttempt(ctx, rec)
	return rec, nil
}

func (s *Service) succeed(ctx context.Context, rec *DeliveryRecord, result *messaging.Result) (*DeliveryRecord, error) {
	now := s.now()
	var providerID string
	if result != nil {
		providerID = result.ProviderMessageID
	}

	if err := s.update(ctx, rec.RecordID, map[string]any{
		"stage":               StageSent,
		"failed_stage":        "",
		"delivery_status":     StatusSent,
		"retryable":           false,
		"failure_reason":      "",
		"provider_message_id": providerID,
		"awaiting_channel":    false,
		"next_attempt_at":     nil,
		"sent_at":             now,
		"updated_at":          now,
	}); err != nil {
		return nil, fmt.Errorf("complete %s: %w", rec.RecordID, err)
	}
	rec.Stage = StageSent
	rec.FailedStage = ""
	rec.DeliveryStatus = StatusSent
	rec.Retryable = false
	rec.FailureReason = ""
	rec.ProviderMessageID = providerID
	rec.AwaitingChannel = false
	rec.NextAttemptAt = nil
	rec.SentAt = &now

	s.recordAttempt(ctx, rec)
	return rec, nil
}

func (s *Service) recordAttempt(ctx context.Context, rec *DeliveryRecord) {
	metrics.Deliveries.WithLabelValues(string(rec.DeliveryStatus)).Inc()

	msg := fmt.Sprintf("%s via %s", rec.DeliveryStatus, rec.Channel)
	if rec.FailureReason != "" {
		msg += ": " + rec.FailureReason
	}
	s.audit.Record(ctx, audit.Event{
		TenantID:    rec.TenantID,
		Kind:        audit.KindDeliveryAttempt,
		RecipientID: rec.RecipientID,
		ConditionID: rec.ConditionID,
		Reference:   rec.RecordID,
		Message:     msg,
		Payload: audit.Payload(map[string]any{
			"stage":         rec.Stage,
			"failed_stage":  rec.FailedStage,
			"retryable":     rec.Retryable,
			"retry_count":   rec.RetryCount,
			"account_level": rec.AccountLevel,
			"unit_id":       rec.RewardUnitID,
		}),
	})
}

func (s *Service) GetRecord(ctx context.Context, recordID string) (*DeliveryRecord, error) {
	rec, err := s.repo.FindOne(ctx, &DeliveryRecord{RecordID: recordID})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// ListRecords pages through delivery records newest first.
func (s *Service) ListRecords(ctx context.Context, req ListRequest) ([]*DeliveryRecord, *pagination.PageInfo, error) {
	out, err := s.repo.Find(ctx,
		&DeliveryRecord{TenantID: req.TenantID, RecipientID: req.RecipientID, DeliveryStatus: req.Status},
		option.ApplyPagination(req.Pagination, "record_id"),
	)
	if err != nil {
		return nil, nil, err
	}
	out, page := pagination.BuildCursorPageInfo(out, req.PageSize(), func(r *DeliveryRecord) string { return r.RecordID })
	return out, page, nil
}

// ListExhausted returns records that need an operator: failed records out
// of retries or failed for a reason retrying cannot fix, plus pending
// records nobody has advanced within the stale window.
func (s *Service) ListExhausted(ctx context.Context, limit int) ([]*DeliveryRecord, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	var out []*DeliveryRecord
	err := s.db.WithContext(ctx).
		Where("(delivery_status = ? AND (retryable = ? OR retry_count >= ?)) OR (delivery_status = ? AND updated_at < ?)",
			StatusFailed, false, s.opts.RetryCeiling,
			StatusPending, s.now().Add(-s.opts.StaleAfter())).
		Order("updated_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
