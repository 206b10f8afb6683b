package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	ledger  repository.Repository[LedgerEntry]
	balance repository.Repository[Balance]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		ledger:  repository.ProvideStore[LedgerEntry](p.DB),
		balance: repository.ProvideStore[Balance](p.DB),
	}
}

func (s *Service) AddCredit(ctx context.Context, req EntryRequest) (*LedgerEntry, error) {
	return s.addEntry(ctx, Credit, req)
}

// Charge debits the tenant. It is idempotent by ReferenceID, so a retried
// fulfillment is never billed twice. Balances may go negative; credit
// enforcement happens before a campaign is funded, not per reward.
func (s *Service) Charge(ctx context.Context, req EntryRequest) (*LedgerEntry, error) {
	return s.addEntry(ctx, Debit, req)
}

func (s *Service) addEntry(ctx context.Context, typ EntryType, req EntryRequest) (*LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}
	if req.TenantID == "" || req.ReferenceID == "" {
		return nil, errutil.BadRequest("tenant_id and reference_id are required", nil)
	}

	if exist, err := s.ledger.FindOne(ctx, &LedgerEntry{TenantID: req.TenantID, ReferenceID: req.ReferenceID}); err != nil {
		return nil, err
	} else if exist != nil {
		return exist, nil
	}

	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balance.WithTrx(tx).FindOne(ctx, &Balance{TenantID: req.TenantID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if bal == nil {
			bal = &Balance{TenantID: req.TenantID, LastHash: genesisHash}
			if err := tx.Create(bal).Error; err != nil {
				return err
			}
		}

		delta := req.Amount
		if typ == Debit {
			delta = -delta
		}

		txID, err := GenerateTransactionID()
		if err != nil {
			return err
		}

		entry = &LedgerEntry{
			ID:            s.node.Generate().String(),
			TenantID:      req.TenantID,
			Seq:           bal.LastSeq + 1,
			Type:          typ,
			Amount:        req.Amount,
			BalanceAfter:  bal.Balance + delta,
			TransactionID: txID,
			ReferenceID:   req.ReferenceID,
			Description:   req.Description,
			PreviousHash:  bal.LastHash,
			Metadata:      req.Metadata,
			CreatedAt:     time.Now().UTC(),
		}
		entry.Hash = entry.GenerateHash()

		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		return tx.Model(&Balance{}).Where("tenant_id = ?", req.TenantID).Updates(map[string]any{
			"balance":    entry.BalanceAfter,
			"last_seq":   entry.Seq,
			"last_hash":  entry.Hash,
			"updated_at": entry.CreatedAt,
		}).Error
	})
	if err != nil {
		// a concurrent writer with the same reference won the unique index
		if exist, findErr := s.ledger.FindOne(ctx, &LedgerEntry{TenantID: req.TenantID, ReferenceID: req.ReferenceID}); findErr == nil && exist != nil {
			return exist, nil
		}
		logger.FromContext(ctx).Error("failed to add ledger entry",
			zap.String("tenant_id", req.TenantID),
			zap.String("reference_id", req.ReferenceID),
			zap.Error(err),
		)
		return nil, err
	}

	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	bal, err := s.balance.FindOne(ctx, &Balance{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return &Balance{TenantID: tenantID}, nil
	}
	return bal, nil
}

var ErrChainBroken = errors.New("ledger chain broken")

// VerifyChain recomputes every hash in sequence order.
func (s *Service) VerifyChain(ctx context.Context, tenantID string) error {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{TenantID: tenantID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}}),
	)
	if err != nil {
		return err
	}

	lastHash := genesisHash
	for _, entry := range entries {
		if entry.PreviousHash != lastHash || entry.Hash != entry.GenerateHash() {
			logger.FromContext(ctx).Warn("ledger chain mismatch", zap.String("tenant_id", tenantID), zap.Int64("seq", entry.Seq))
			return ErrChainBroken
		}
		lastHash = entry.Hash
	}
	return nil
}
