package condition

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	"github.com/Phillboard/mobul-sub010/pkg/repository"
	"github.com/Phillboard/mobul-sub010/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCampaignLive       = errutil.New(errutil.StatusConflict, "campaign is live, conditions are frozen")
	ErrConditionNotFound  = errutil.New(errutil.StatusNotFound, "condition not found")
	ErrInvalidDefinitions = errutil.New(errutil.StatusValidationFailed, "invalid condition definitions")
)

// Dispatcher hands a newly completed condition to fulfillment. It must not
// block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, h Handoff) error
}

// Campaigns is the campaign read model the evaluator needs.
type Campaigns interface {
	IsLive(ctx context.Context, campaignID string) (bool, error)
	IsRunning(ctx context.Context, campaignID string, now time.Time) (bool, error)
	TenantOf(ctx context.Context, campaignID string) (string, error)
}

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	cache      *DefinitionCache
	campaigns  Campaigns
	dispatcher Dispatcher
	audit      audit.Recorder

	handoffGrace time.Duration

	definition repository.Repository[Definition]
	status     repository.Repository[RecipientStatus]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Campaigns  Campaigns
	Dispatcher Dispatcher
	Audit      audit.Recorder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		cache:      NewDefinitionCache(p.Config.Fulfillment.Defaults().ConditionCacheTTL),
		campaigns:  p.Campaigns,
		dispatcher: p.Dispatcher,
		audit:      p.Audit,

		handoffGrace: p.Config.Fulfillment.Defaults().HandoffGrace,

		definition: repository.ProvideStore[Definition](p.DB),
		status:     repository.ProvideStore[RecipientStatus](p.DB),

		now: time.Now,
	}
}

// outcome is the result of trying to complete one definition.
type outcome struct {
	reason  Reason
	newly   bool
	warning string
}

// Evaluate applies one event to a recipient's conditions in a campaign.
// Every benign outcome is a result, not an error: errors are reserved for
// store failures.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluationResult, error) {
	if req.RecipientID == "" || req.CampaignID == "" || req.EventType == "" {
		return nil, errutil.BadRequest("recipient_id, campaign_id and event_type are required", nil)
	}

	log := logger.FromContext(ctx).With(
		zap.String("recipient_id", req.RecipientID),
		zap.String("campaign_id", req.CampaignID),
		zap.String("event_type", req.EventType),
	)

	running, err := s.campaigns.IsRunning(ctx, req.CampaignID, s.now())
	if err != nil {
		return nil, err
	}
	if !running {
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonCampaignInactive)).Inc()
		log.Debug("event for inactive campaign ignored")
		return &EvaluationResult{Reason: ReasonCampaignInactive}, nil
	}

	defs, err := s.definitions(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}

	res := &EvaluationResult{Reason: ReasonNoMatch}
	for _, c := range defs {
		if !c.wellFormed() {
			log.Warn("skipping malformed condition", zap.String("condition_id", c.def.ConditionID), zap.Error(c.err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("condition %s skipped: %v", c.def.ConditionID, c.err))
		}
	}

	completed, err := s.completedSet(ctx, req.RecipientID, req.CampaignID)
	if err != nil {
		return nil, err
	}

	var first, target *compiled
	for _, c := range defs {
		if !c.wellFormed() {
			continue
		}
		ok, err := c.matches(req.EventType, req.Metadata)
		if err != nil {
			log.Warn("condition filter failed", zap.String("condition_id", c.def.ConditionID), zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("condition %s filter: %v", c.def.ConditionID, err))
			continue
		}
		if !ok {
			continue
		}
		if first == nil {
			first = c
		}
		if _, done := completed[c.def.ConditionID]; !done {
			target = c
			break
		}
	}

	if first == nil {
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonNoMatch)).Inc()
		log.Debug("no condition matched event")
		return res, nil
	}

	res.Matched = true
	if target == nil {
		res.ConditionID = first.def.ConditionID
		res.TriggerAction = first.def.TriggerAction
		res.Reason = ReasonAlreadyCompleted
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonAlreadyCompleted)).Inc()
		return res, nil
	}

	res.ConditionID = target.def.ConditionID
	res.TriggerAction = target.def.TriggerAction

	if err := target.validateMetadata(req.Metadata); err != nil {
		res.Reason = ReasonMetadataRejected
		res.Warnings = append(res.Warnings, err.Error())
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonMetadataRejected)).Inc()
		s.audit.Record(ctx, audit.Event{
			Kind:        audit.KindEvaluationNoop,
			RecipientID: req.RecipientID,
			ConditionID: target.def.ConditionID,
			Message:     string(ReasonMetadataRejected),
			Payload:     audit.Payload(map[string]string{"error": err.Error()}),
		})
		return res, nil
	}

	out, err := s.complete(ctx, defs, target, req.RecipientID, req.Metadata, true)
	if err != nil {
		return nil, err
	}
	res.Reason = out.reason
	res.NewlyCompleted = out.newly
	if out.warning != "" {
		res.Warnings = append(res.Warnings, out.warning)
	}

	if out.newly {
		cascaded, warnings, err := s.cascade(ctx, defs, req.RecipientID, req.CampaignID)
		if err != nil {
			// the triggering completion already stands
			log.Error("cascade evaluation failed", zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("cascade: %v", err))
		}
		res.Cascaded = cascaded
		res.Warnings = append(res.Warnings, warnings...)
	}
	return res, nil
}

// complete runs the idempotent completion of one definition. With observe
// set, the event is recorded on the pending row first so that a blocked
// condition can be picked up by a later cascade.
func (s *Service) complete(ctx context.Context, defs []*compiled, target *compiled, recipientID string, metadata map[string]any, observe bool) (outcome, error) {
	def := target.def
	now := s.now().UTC()

	row := &RecipientStatus{
		RecipientID: recipientID,
		ConditionID: def.ConditionID,
		CampaignID:  def.CampaignID,
		Status:      StatusPending,
	}
	if _, err := s.status.CreateIgnoreConflict(ctx, row, "recipient_id", "condition_id"); err != nil {
		return outcome{}, err
	}

	if observe {
		if err := s.db.WithContext(ctx).Model(&RecipientStatus{}).
			Where("recipient_id = ? AND condition_id = ? AND status = ?", recipientID, def.ConditionID, StatusPending).
			Updates(map[string]any{
				"event_observed_at": now,
				"event_metadata":    encodeMetadata(metadata),
			}).Error; err != nil {
			return outcome{}, err
		}
	}

	met, err := s.prerequisitesMet(ctx, defs, target, recipientID)
	if err != nil {
		return outcome{}, err
	}
	if !met {
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonPrerequisitePending)).Inc()
		if observe {
			s.audit.Record(ctx, audit.Event{
				Kind:        audit.KindEvaluationNoop,
				RecipientID: recipientID,
				ConditionID: def.ConditionID,
				Message:     string(ReasonPrerequisitePending),
			})
		}
		return outcome{reason: ReasonPrerequisitePending}, nil
	}

	// The completing write also stores the event, so the handoff can be
	// rebuilt from this row alone if dispatch fails.
	res := s.db.WithContext(ctx).Model(&RecipientStatus{}).
		Where("recipient_id = ? AND condition_id = ? AND status = ?", recipientID, def.ConditionID, StatusPending).
		Updates(map[string]any{
			"status":         StatusCompleted,
			"completed_at":   now,
			"event_metadata": encodeMetadata(metadata),
		})
	if res.Error != nil {
		return outcome{}, res.Error
	}
	if res.RowsAffected == 0 {
		metrics.ConditionEvaluations.WithLabelValues(string(ReasonAlreadyCompleted)).Inc()
		return outcome{reason: ReasonAlreadyCompleted}, nil
	}

	metrics.ConditionEvaluations.WithLabelValues(string(ReasonCompleted)).Inc()
	tenantID := s.tenantOf(ctx, def.CampaignID)
	s.audit.Record(ctx, audit.Event{
		TenantID:    tenantID,
		Kind:        audit.KindConditionCompleted,
		RecipientID: recipientID,
		ConditionID: def.ConditionID,
		Message:     fmt.Sprintf("condition %d completed", def.SequenceOrder),
	})

	out := outcome{reason: ReasonCompleted, newly: true}
	if err := s.dispatch(ctx, handoffFor(def, tenantID, recipientID, metadata)); err != nil {
		logger.FromContext(ctx).Error("failed to hand off completed condition, left for redispatch",
			zap.String("recipient_id", recipientID),
			zap.String("condition_id", def.ConditionID),
			zap.Error(err),
		)
		out.warning = fmt.Sprintf("handoff of %s failed, queued for redispatch: %v", def.ConditionID, err)
	}
	return out, nil
}

func handoffFor(def *Definition, tenantID, recipientID string, metadata map[string]any) Handoff {
	h := Handoff{
		TenantID:        tenantID,
		CampaignID:      def.CampaignID,
		RecipientID:     recipientID,
		ConditionID:     def.ConditionID,
		TriggerAction:   def.TriggerAction,
		MessageTemplate: def.MessageTemplate,
		Metadata:        metadata,
	}
	if def.RewardPoolID != nil {
		h.RewardPoolID = *def.RewardPoolID
	}
	return h
}

// dispatch hands h to fulfillment and stamps the status row once accepted.
func (s *Service) dispatch(ctx context.Context, h Handoff) error {
	if err := s.dispatcher.Dispatch(ctx, h); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&RecipientStatus{}).
		Where("recipient_id = ? AND condition_id = ? AND dispatched_at IS NULL", h.RecipientID, h.ConditionID).
		Update("dispatched_at", s.now().UTC()).Error
}

// RedispatchPending retries handoffs of completed conditions that
// fulfillment never accepted, oldest first. Rows completed within the grace
// period are left alone because their first dispatch may still be running.
// Fulfillment dedupes per (recipient, condition), so a repeated handoff is
// harmless.
func (s *Service) RedispatchPending(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().UTC().Add(-s.handoffGrace)

	var rows []*RecipientStatus
	err := s.db.WithContext(ctx).
		Where("status = ? AND dispatched_at IS NULL AND completed_at <= ?", StatusCompleted, cutoff).
		Order("completed_at asc").
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("select undispatched conditions: %w", err)
	}

	dispatched := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		log := logger.FromContext(ctx,
			zap.String("recipient_id", row.RecipientID),
			zap.String("condition_id", row.ConditionID),
		)

		def, err := s.definition.FindOne(ctx, &Definition{ConditionID: row.ConditionID})
		if err != nil {
			return dispatched, err
		}
		if def == nil {
			log.Warn("completed condition has no definition, skipping redispatch")
			continue
		}

		h := handoffFor(def, s.tenantOf(ctx, def.CampaignID), row.RecipientID, decodeMetadata(row.EventMetadata))
		if err := s.dispatch(ctx, h); err != nil {
			log.Warn("redispatch failed", zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// prerequisitesMet checks that every lower-ordered, active, well-formed,
// required condition is completed for the recipient.
func (s *Service) prerequisitesMet(ctx context.Context, defs []*compiled, target *compiled, recipientID string) (bool, error) {
	var ids []string
	for _, c := range defs {
		if c.def.SequenceOrder >= target.def.SequenceOrder {
			break
		}
		if c.wellFormed() && c.def.IsActive && c.def.IsRequired {
			ids = append(ids, c.def.ConditionID)
		}
	}
	if len(ids) == 0 {
		return true, nil
	}

	var n int64
	err := s.db.WithContext(ctx).Model(&RecipientStatus{}).
		Where("recipient_id = ? AND status = ? AND condition_id IN ?", recipientID, StatusCompleted, ids).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n == int64(len(ids)), nil
}

// cascade re-evaluates conditions of the campaign that saw their event
// while blocked. It repeats until a pass completes nothing.
func (s *Service) cascade(ctx context.Context, defs []*compiled, recipientID, campaignID string) ([]CascadeResult, []string, error) {
	var (
		results  []CascadeResult
		warnings []string
	)

	for pass := 0; pass < len(defs); pass++ {
		var blocked []*RecipientStatus
		err := s.db.WithContext(ctx).
			Where("recipient_id = ? AND campaign_id = ? AND status = ? AND event_observed_at IS NOT NULL", recipientID, campaignID, StatusPending).
			Find(&blocked).Error
		if err != nil {
			return results, warnings, err
		}
		if len(blocked) == 0 {
			break
		}

		byCondition := make(map[string]*RecipientStatus, len(blocked))
		for _, b := range blocked {
			byCondition[b.ConditionID] = b
		}

		progressed := false
		for _, c := range defs {
			row, ok := byCondition[c.def.ConditionID]
			if !ok || !c.wellFormed() {
				continue
			}

			out, err := s.complete(ctx, defs, c, recipientID, decodeMetadata(row.EventMetadata), false)
			if err != nil {
				return results, warnings, err
			}
			if out.warning != "" {
				warnings = append(warnings, out.warning)
			}
			if out.newly {
				progressed = true
				results = append(results, CascadeResult{
					ConditionID:    c.def.ConditionID,
					NewlyCompleted: true,
					TriggerAction:  c.def.TriggerAction,
					Reason:         out.reason,
				})
			}
		}
		if !progressed {
			break
		}
	}
	return results, warnings, nil
}

func (s *Service) completedSet(ctx context.Context, recipientID, campaignID string) (map[string]struct{}, error) {
	rows, err := s.status.Find(ctx, &RecipientStatus{RecipientID: recipientID, CampaignID: campaignID, Status: StatusCompleted})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		out[r.ConditionID] = struct{}{}
	}
	return out, nil
}

func (s *Service) tenantOf(ctx context.Context, campaignID string) string {
	tenantID, err := s.campaigns.TenantOf(ctx, campaignID)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to resolve campaign tenant", zap.String("campaign_id", campaignID), zap.Error(err))
	}
	return tenantID
}

// definitions returns the active definitions of a campaign ordered by
// sequence, compiled and cached.
func (s *Service) definitions(ctx context.Context, campaignID string) ([]*compiled, error) {
	return s.cache.Load(ctx, campaignID, func(ctx context.Context) ([]*compiled, error) {
		var defs []*Definition
		err := s.db.WithContext(ctx).
			Where("campaign_id = ? AND is_active = ?", campaignID, true).
			Order("sequence_order ASC").
			Find(&defs).Error
		if err != nil {
			return nil, err
		}

		out := make([]*compiled, 0, len(defs))
		for _, d := range defs {
			out = append(out, compileDefinition(d))
		}
		return out, nil
	})
}

// DefineConditions replaces the definitions of a campaign that is not yet
// live. Sequence orders must run 1..N without gaps.
func (s *Service) DefineConditions(ctx context.Context, campaignID string, req DefineConditionsRequest) ([]*Definition, error) {
	live, err := s.campaigns.IsLive(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, ErrCampaignLive
	}
	if len(req.Conditions) == 0 {
		return nil, errutil.BadRequest("at least one condition is required", nil)
	}

	inputs := append([]DefinitionInput(nil), req.Conditions...)
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].SequenceOrder < inputs[j].SequenceOrder })

	var (
		defs    []*Definition
		details []errutil.Detail
	)
	for i, in := range inputs {
		field := fmt.Sprintf("conditions[%d]", i)
		if in.SequenceOrder != i+1 {
			details = append(details, errutil.Detail{Field: field + ".sequence_order", Message: fmt.Sprintf("expected %d, got %d", i+1, in.SequenceOrder)})
		}

		def := &Definition{
			ConditionID:      s.node.Generate().String(),
			CampaignID:       campaignID,
			SequenceOrder:    in.SequenceOrder,
			ConditionType:    in.ConditionType,
			TriggerAction:    in.TriggerAction,
			IsRequired:       in.IsRequired == nil || *in.IsRequired,
			IsActive:         true,
			RewardPoolID:     in.RewardPoolID,
			MessageTemplate:  in.MessageTemplate,
			FilterExpression: in.FilterExpression,
			MetadataSchema:   in.MetadataSchema,
		}
		if c := compileDefinition(def); !c.wellFormed() {
			details = append(details, errutil.Detail{Field: field, Message: c.err.Error()})
		}
		defs = append(defs, def)
	}
	if len(details) > 0 {
		return nil, errutil.New(errutil.StatusValidationFailed, "invalid condition definitions",
			errutil.WithDetails(details...),
			errutil.WithErr(ErrInvalidDefinitions),
		)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", campaignID).Delete(&Definition{}).Error; err != nil {
			return err
		}
		return tx.Create(&defs).Error
	})
	if err != nil {
		return nil, errutil.Internal("failed to store conditions", err)
	}

	s.cache.Invalidate(campaignID)
	return defs, nil
}

// DeactivateCondition is the only change allowed once a campaign is live.
// A deactivated condition stops matching and stops gating later ones.
func (s *Service) DeactivateCondition(ctx context.Context, conditionID string) (*Definition, error) {
	def, err := s.definition.FindOne(ctx, &Definition{ConditionID: conditionID})
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrConditionNotFound
	}

	if err := s.definition.Update(ctx, conditionID, map[string]any{"is_active": false}); err != nil {
		return nil, err
	}
	def.IsActive = false
	s.cache.Invalidate(def.CampaignID)
	return def, nil
}

func (s *Service) ListDefinitions(ctx context.Context, campaignID string) ([]*Definition, error) {
	return s.definition.Find(ctx, &Definition{CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence_order", OrderBy: "asc", Allow: map[string]bool{"sequence_order": true}}),
	)
}

func (s *Service) ListRecipientStatuses(ctx context.Context, recipientID, campaignID string) ([]*RecipientStatus, error) {
	if recipientID == "" {
		return nil, errutil.BadRequest("recipient_id required", nil)
	}
	return s.status.Find(ctx, &RecipientStatus{RecipientID: recipientID, CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}
