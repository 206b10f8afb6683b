package campaign

import (
	"context"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrCampaignNotFound = errutil.New(errutil.StatusNotFound, "campaign not found")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	campaign repository.Repository[Campaign]
}

type ServiceParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		campaign: repository.ProvideStore[Campaign](p.DB),
	}
}

func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*Campaign, error) {
	if req.StartAt != nil && req.EndAt != nil && req.EndAt.Before(*req.StartAt) {
		return nil, errutil.ValidationFailed("end_at must be after start_at", nil)
	}

	c := &Campaign{
		CampaignID:  s.node.Generate().String(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		Status:      CampaignStatusDraft,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Metadata:    req.Metadata,
	}
	if err := s.campaign.Create(ctx, c); err != nil {
		logger.FromContext(ctx).Error("failed to create campaign", zap.Error(err))
		return nil, err
	}
	return c, nil
}

func (s *Service) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.campaign.FindOne(ctx, &Campaign{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	return c, nil
}

// Activate moves a draft campaign live. The transition is one-way.
func (s *Service) Activate(ctx context.Context, campaignID string) (*Campaign, error) {
	res := s.db.WithContext(ctx).Model(&Campaign{}).
		Where("campaign_id = ? AND status = ?", campaignID, CampaignStatusDraft).
		Update("status", CampaignStatusActive)
	if res.Error != nil {
		return nil, res.Error
	}

	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && c.Status != CampaignStatusActive {
		return nil, errutil.UnprocessableEntity("campaign is not a draft", nil)
	}
	return c, nil
}

// IsLive is the read the condition evaluator uses to freeze definitions.
func (s *Service) IsLive(ctx context.Context, campaignID string) (bool, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return c.IsLive(), nil
}

// IsRunning reports whether the campaign accepts events right now.
func (s *Service) IsRunning(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return c.IsActive(now), nil
}

// TenantOf returns the owning client tenant.
func (s *Service) TenantOf(ctx context.Context, campaignID string) (string, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	return c.TenantID, nil
}
