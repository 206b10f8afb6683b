package audit

import (
	"context"
	"encoding/json"

	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder writes audit events. Recording never fails the caller; a lost
// audit row is logged instead.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

type Service struct {
	repo repository.Repository[Event]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{repo: repository.ProvideStore[Event](p.DB)}
}

func (s *Service) Record(ctx context.Context, e Event) {
	if err := s.repo.Create(ctx, &e); err != nil {
		logger.FromContext(ctx).Error("failed to record audit event",
			zap.String("kind", string(e.Kind)),
			zap.String("recipient_id", e.RecipientID),
			zap.Error(err),
		)
	}
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]*Event, error) {
	limit := req.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	return s.repo.Find(ctx, &Event{RecipientID: req.RecipientID, Kind: req.Kind},
		option.WithSortBy(option.QuerySortBy{SortBy: "event_id", OrderBy: "desc", Allow: map[string]bool{"event_id": true}}),
		option.WithLimit(limit),
	)
}

// Payload marshals v for Event.Payload, dropping it on error.
func Payload(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
