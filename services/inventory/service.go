package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	"github.com/Phillboard/mobul-sub010/pkg/repository"
	"github.com/Phillboard/mobul-sub010/pkg/sequence"
	"github.com/Phillboard/mobul-sub010/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientInventory = errutil.New(errutil.StatusUnprocessableEntity, "insufficient inventory")
	ErrClaimContention       = errutil.New(errutil.StatusConflict, "reward unit claim contention")
	ErrPoolNotFound          = errutil.New(errutil.StatusNotFound, "reward pool not found")
	ErrUnitNotFound          = errutil.New(errutil.StatusNotFound, "reward unit not found")
	ErrInvalidUnitState      = errutil.New(errutil.StatusConflict, "reward unit is not in the expected state")
)

const maxUnitsPerRequest = 10000

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	audit audit.Recorder

	key      [32]byte
	attempts int

	pool repository.Repository[Pool]
	unit repository.Repository[Unit]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Audit  audit.Recorder
	Seq    sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		seq:   p.Seq,
		audit: p.Audit,

		key:      CodeKey(p.Config.RewardCodeKey),
		attempts: p.Config.Fulfillment.Defaults().ClaimAttempts,

		pool: repository.ProvideStore[Pool](p.DB),
		unit: repository.ProvideStore[Unit](p.DB),
	}
}

// Claim hands exactly one available unit of the pool to (recipient,
// condition). Calling it again for the same binding returns the unit it
// already holds without touching the pool counter. Contention is retried
// with fresh state up to the configured attempt count.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*Unit, error) {
	if req.PoolID == "" || req.RecipientID == "" || req.ConditionID == "" {
		return nil, errutil.BadRequest("pool_id, recipient_id and condition_id are required", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		unit, fresh, err := s.claimOnce(ctx, req)
		switch {
		case err == nil:
			if fresh {
				metrics.InventoryClaims.WithLabelValues("claimed").Inc()
				s.checkLowStock(ctx, req.PoolID)
			} else {
				metrics.InventoryClaims.WithLabelValues("existing").Inc()
			}
			return unit, nil
		case errors.Is(err, ErrInsufficientInventory):
			metrics.InventoryClaims.WithLabelValues("insufficient").Inc()
			return nil, err
		case errors.Is(err, ErrPoolNotFound):
			return nil, err
		}

		lastErr = err
		logger.FromContext(ctx).Debug("reward claim attempt failed, retrying",
			zap.String("pool_id", req.PoolID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	metrics.InventoryClaims.WithLabelValues("contention").Inc()
	if !errors.Is(lastErr, ErrClaimContention) {
		lastErr = fmt.Errorf("%w: %v", ErrClaimContention, lastErr)
	}
	return nil, lastErr
}

func (s *Service) claimOnce(ctx context.Context, req ClaimRequest) (*Unit, bool, error) {
	var (
		claimed *Unit
		fresh   bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bound Unit
		res := tx.Where("recipient_id = ? AND condition_id = ?", req.RecipientID, req.ConditionID).Limit(1).Find(&bound)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = &bound
			return nil
		}

		res = tx.Model(&Pool{}).
			Where("pool_id = ? AND is_active = ? AND available_count > 0", req.PoolID, true).
			Update("available_count", gorm.Expr("available_count - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&Pool{}).Where("pool_id = ?", req.PoolID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrPoolNotFound
			}
			return ErrInsufficientInventory
		}

		var unit Unit
		res = tx.Scopes(option.SkipLocked).
			Where("pool_id = ? AND state = ?", req.PoolID, UnitAvailable).
			Order("created_at ASC, unit_id ASC").
			Limit(1).
			Find(&unit)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClaimContention
		}

		now := time.Now().UTC()
		res = tx.Model(&Unit{}).
			Where("unit_id = ? AND state = ?", unit.UnitID, UnitAvailable).
			Updates(map[string]any{
				"state":        UnitClaimed,
				"recipient_id": req.RecipientID,
				"condition_id": req.ConditionID,
				"claimed_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClaimContention
		}

		unit.State = UnitClaimed
		unit.RecipientID = &req.RecipientID
		unit.ConditionID = &req.ConditionID
		unit.ClaimedAt = &now
		claimed = &unit
		fresh = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, fresh, nil
}

func (s *Service) checkLowStock(ctx context.Context, poolID string) {
	pool, err := s.pool.FindOne(ctx, &Pool{PoolID: poolID})
	if err != nil || pool == nil {
		return
	}
	if pool.LowStockThreshold <= 0 || pool.AvailableCount > pool.LowStockThreshold {
		return
	}

	logger.FromContext(ctx).Warn("reward pool low on stock",
		zap.String("pool_id", poolID),
		zap.Int64("available", pool.AvailableCount),
		zap.Int64("threshold", pool.LowStockThreshold),
	)
	s.audit.Record(ctx, audit.Event{
		TenantID:  pool.TenantID,
		Kind:      audit.KindLowStock,
		Reference: poolID,
		Message:   fmt.Sprintf("pool %s has %d units left", pool.Name, pool.AvailableCount),
		Payload: audit.Payload(map[string]int64{
			"available": pool.AvailableCount,
			"threshold": pool.LowStockThreshold,
		}),
	})
}

// MarkDelivered moves a claimed unit to delivered. Repeating it is a no-op.
func (s *Service) MarkDelivered(ctx context.Context, unitID string) error {
	res := s.db.WithContext(ctx).Model(&Unit{}).
		Where("unit_id = ? AND state = ?", unitID, UnitClaimed).
		Updates(map[string]any{"state": UnitDelivered, "delivered_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	unit, err := s.unit.FindOne(ctx, &Unit{UnitID: unitID})
	if err != nil {
		return err
	}
	if unit == nil {
		return ErrUnitNotFound
	}
	if unit.State == UnitDelivered {
		return nil
	}
	return fmt.Errorf("%w: unit %s is %s", ErrInvalidUnitState, unitID, unit.State)
}

func (s *Service) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	pool, err := s.pool.FindOne(ctx, &Pool{PoolID: poolID})
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

func (s *Service) GetUnit(ctx context.Context, unitID string) (*Unit, error) {
	unit, err := s.unit.FindOne(ctx, &Unit{UnitID: unitID})
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, ErrUnitNotFound
	}
	return unit, nil
}

func (s *Service) CreatePool(ctx context.Context, req CreatePoolRequest) (*Pool, error) {
	if req.TenantID == "" || req.Name == "" {
		return nil, errutil.BadRequest("tenant_id and name are required", nil)
	}
	if req.Denomination < 0 || req.CostPerUnit < 0 || req.LowStockThreshold < 0 {
		return nil, errutil.ValidationFailed("amounts must not be negative", nil)
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}

	pool := &Pool{
		PoolID:            s.node.Generate().String(),
		TenantID:          req.TenantID,
		Name:              req.Name,
		Brand:             req.Brand,
		Denomination:      req.Denomination,
		Currency:          currency,
		CostPerUnit:       req.CostPerUnit,
		LowStockThreshold: req.LowStockThreshold,
		IsActive:          true,
		Metadata:          req.Metadata,
	}
	if err := s.pool.Create(ctx, pool); err != nil {
		return nil, errutil.Internal("failed to create pool", err)
	}
	return pool, nil
}

func (s *Service) AddUnits(ctx context.Context, poolID string, req AddUnitsRequest) (*AddUnitsResponse, error) {
	if len(req.Codes) > 0 {
		return s.ImportUnits(ctx, poolID, req.Codes)
	}
	return s.GenerateUnits(ctx, poolID, req.Generate)
}

// ImportUnits stores codes hashed and encrypted. Codes already present in
// any pool are skipped and counted as duplicates.
func (s *Service) ImportUnits(ctx context.Context, poolID string, codes []string) (*AddUnitsResponse, error) {
	if len(codes) == 0 {
		return nil, errutil.BadRequest("codes are required", nil)
	}
	if len(codes) > maxUnitsPerRequest {
		return nil, errutil.ValidationFailed(fmt.Sprintf("at most %d codes per request", maxUnitsPerRequest), nil)
	}

	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(codes))
	units := make([]*Unit, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		hash := HashCode(code)
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}

		enc, err := EncryptCode([]byte(code), s.key)
		if err != nil {
			return nil, errutil.Internal("encrypt failed", err)
		}
		units = append(units, &Unit{
			UnitID:     s.node.Generate().String(),
			TenantID:   pool.TenantID,
			PoolID:     pool.PoolID,
			State:      UnitAvailable,
			CodeHash:   hash,
			CodeEnc:    enc,
			KeyVersion: keyVersion,
		})
	}

	var added int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range units {
			res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code_hash"}}, DoNothing: true}).Create(u)
			if res.Error != nil {
				return res.Error
			}
			added += res.RowsAffected
		}
		if added == 0 {
			return nil
		}
		return tx.Model(&Pool{}).
			Where("pool_id = ?", pool.PoolID).
			Updates(map[string]any{
				"total_count":     gorm.Expr("total_count + ?", added),
				"available_count": gorm.Expr("available_count + ?", added),
			}).Error
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to import reward units", zap.String("pool_id", poolID), zap.Error(err))
		return nil, errutil.Internal("failed to import units", err)
	}

	return &AddUnitsResponse{Added: added, Duplicates: int64(len(codes)) - added}, nil
}

// GenerateUnits mints count new codes from the redis sequence.
func (s *Service) GenerateUnits(ctx context.Context, poolID string, count int) (*AddUnitsResponse, error) {
	if count <= 0 || count > maxUnitsPerRequest {
		return nil, errutil.ValidationFailed(fmt.Sprintf("generate must be between 1 and %d", maxUnitsPerRequest), nil)
	}
	if s.seq == nil {
		return nil, errutil.New(errutil.StatusNotImplemented, "code generation is not configured")
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := s.seq.NextRewardCode(ctx, poolID)
		if err != nil {
			logger.FromContext(ctx).Warn("failed generate reward code", zap.Error(err))
			return nil, errutil.Internal("failed to generate codes", err)
		}
		codes = append(codes, code)
	}
	return s.ImportUnits(ctx, poolID, codes)
}

func (s *Service) ListPools(ctx context.Context, req ListPoolsRequest) ([]*Pool, error) {
	if req.TenantID == "" {
		return nil, errutil.BadRequest("tenant_id required", nil)
	}

	filter := &Pool{TenantID: req.TenantID}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
	}
	if req.OnlyActive {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: true}))
	}
	return s.pool.Find(ctx, filter, opts...)
}

// ListUnits returns units of a pool with their codes masked.
func (s *Service) ListUnits(ctx context.Context, poolID string, state UnitState, limit int) ([]UnitView, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	units, err := s.unit.Find(ctx, &Unit{PoolID: poolID, State: state},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	out := make([]UnitView, 0, len(units))
	for _, u := range units {
		masked := "***"
		if code, err := DecryptCode(u.CodeEnc, s.key); err == nil {
			masked = maskCode(code)
		}
		out = append(out, UnitView{Unit: *u, MaskedCode: masked})
	}
	return out, nil
}

// RevealCode decrypts the code of a unit that has been handed out.
func (s *Service) RevealCode(ctx context.Context, unitID string) (string, error) {
	unit, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return "", err
	}
	if unit.State != UnitClaimed && unit.State != UnitDelivered {
		return "", fmt.Errorf("%w: unit %s is %s", ErrInvalidUnitState, unitID, unit.State)
	}

	code, err := DecryptCode(unit.CodeEnc, s.key)
	if err != nil {
		return "", errutil.Internal("failed to decrypt reward code", err)
	}
	return code, nil
}
