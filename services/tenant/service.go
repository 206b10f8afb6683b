package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/rediskey"
	"github.com/Phillboard/mobul-sub010/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const chainCacheTTL = 10 * time.Minute

var (
	ErrTenantNotFound = errutil.New(errutil.StatusNotFound, "tenant not found")
	ErrInvalidParent  = errutil.New(errutil.StatusValidationFailed, "invalid parent tenant")
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	redis *redis.Client
	repo  repository.Repository[Tenant]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Redis *redis.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		redis: p.Redis,
		repo:  repository.ProvideStore[Tenant](p.DB),
	}
}

func (s *Service) CreateTenant(ctx context.Context, req CreateTenantRequest) (*Tenant, error) {
	zapLog := logger.FromContext(ctx)

	if req.Level.String() == "" {
		return nil, errutil.ValidationFailed("unknown tenant level", nil)
	}

	if want := req.Level.parentLevel(); want != "" && req.ParentID != nil {
		parent, err := s.repo.FindOne(ctx, &Tenant{ID: *req.ParentID})
		if err != nil {
			return nil, err
		}
		if parent == nil || parent.Level != want {
			return nil, ErrInvalidParent
		}
	} else if req.ParentID != nil {
		return nil, ErrInvalidParent
	}

	slugName := req.Slug
	if slugName == "" {
		slugName = slug.Make(req.Name)
	}

	exist, err := s.repo.FindOne(ctx, &Tenant{Slug: slugName})
	if err != nil {
		zapLog.Error("failed query get tenant by slug", zap.Error(err))
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict("tenant already exists", nil)
	}

	t := &Tenant{
		ID:       s.node.Generate().String(),
		ParentID: req.ParentID,
		Level:    req.Level,
		Name:     req.Name,
		Slug:     slugName,
		Timezone: req.Timezone,
		Status:   Active,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		zapLog.Error("failed to create tenant", zap.Error(err))
		return nil, err
	}

	return t, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.repo.FindOne(ctx, &Tenant{ID: id})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// Chain walks parent links from a client up to the platform. Results are
// cached in redis when a client is available.
func (s *Service) Chain(ctx context.Context, clientID string) (Chain, error) {
	key := rediskey.BuildTenantChainKey(clientID)
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, key).Bytes(); err == nil {
			var c Chain
			if json.Unmarshal(raw, &c) == nil {
				return c, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logger.FromContext(ctx).Warn("tenant chain cache read failed", zap.Error(err))
		}
	}

	chain := Chain{}
	id := clientID
	for depth := 0; id != "" && depth < 3; depth++ {
		t, err := s.GetTenant(ctx, id)
		if err != nil {
			return Chain{}, fmt.Errorf("chain for %s: %w", clientID, err)
		}

		switch t.Level {
		case LevelClient:
			chain.ClientID = t.ID
		case LevelAgency:
			chain.AgencyID = t.ID
		case LevelPlatform:
			chain.PlatformID = t.ID
		}

		if t.ParentID == nil {
			break
		}
		id = *t.ParentID
	}

	if s.redis != nil {
		if raw, err := json.Marshal(chain); err == nil {
			_ = s.redis.Set(ctx, key, raw, chainCacheTTL).Err()
		}
	}
	return chain, nil
}
