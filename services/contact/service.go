package contact

import (
	"context"

	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrContactNotFound = errutil.New(errutil.StatusNotFound, "contact not found")

type Service struct {
	db   *gorm.DB
	repo repository.Repository[Contact]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		repo: repository.ProvideStore[Contact](p.DB),
	}
}

// Upsert writes the contact synced from the CRM.
func (s *Service) Upsert(ctx context.Context, contactID string, req UpsertContactRequest) (*Contact, error) {
	c := &Contact{
		ContactID: contactID,
		TenantID:  req.TenantID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Email:     req.Email,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "first_name", "last_name", "phone", "email", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, contactID)
}

func (s *Service) Get(ctx context.Context, contactID string) (*Contact, error) {
	c, err := s.repo.FindOne(ctx, &Contact{ContactID: contactID})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContactNotFound
	}
	return c, nil
}
