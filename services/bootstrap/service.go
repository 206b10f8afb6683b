package bootstrap

import (
	"context"
	"fmt"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/repository"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/campaign"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/fulfillment"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/ledger"
	"github.com/Phillboard/mobul-sub010/services/task"
	"github.com/Phillboard/mobul-sub010/services/tenant"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the pipeline owns, in dependency order.
func Models() []any {
	return []any{
		&tenant.Tenant{},
		&campaign.Campaign{},
		&contact.Contact{},
		&condition.Definition{},
		&condition.RecipientStatus{},
		&inventory.Pool{},
		&inventory.Unit{},
		&channel.Account{},
		&fulfillment.DeliveryRecord{},
		&ledger.Balance{},
		&ledger.LedgerEntry{},
		&audit.Event{},
		&task.Task{},
		&task.Job{},
	}
}

type Service struct {
	db      *gorm.DB
	config  *config.Config
	tenants *tenant.Service
	repo    repository.Repository[tenant.Tenant]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Config  *config.Config
	Tenants *tenant.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		config:  p.Config,
		tenants: p.Tenants,
		repo:    repository.ProvideStore[tenant.Tenant](p.DB),
	}
}

// Migrate brings the schema up to date and makes sure the platform tenant
// exists.
func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}
	zap.L().Info("[bootstrap] schema up to date")

	_, err := s.EnsurePlatform(ctx)
	return err
}

// EnsurePlatform creates the platform tenant named in config once. It
// returns nil when no platform is configured.
func (s *Service) EnsurePlatform(ctx context.Context) (*tenant.Tenant, error) {
	platform := s.config.Platform
	if platform.Name == "" {
		zap.L().Warn("[bootstrap] PLATFORM.NAME not set, skipping platform tenant")
		return nil, nil
	}

	exist, err := s.repo.FindOne(ctx, &tenant.Tenant{Level: tenant.LevelPlatform})
	if err != nil {
		return nil, fmt.Errorf("check platform tenant: %w", err)
	}
	if exist != nil {
		zap.L().Info("[bootstrap] platform tenant already exists", zap.String("tenant_id", exist.ID))
		return exist, nil
	}

	t, err := s.tenants.CreateTenant(ctx, tenant.CreateTenantRequest{
		Name:  platform.Name,
		Slug:  platform.Slug,
		Level: tenant.LevelPlatform,
	})
	if err != nil {
		return nil, fmt.Errorf("create platform tenant: %w", err)
	}
	zap.L().Info("[bootstrap] platform tenant created", zap.String("tenant_id", t.ID))
	return t, nil
}
