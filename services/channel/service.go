package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db/option"
	"github.com/Phillboard/mobul-sub010/pkg/errutil"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/messaging"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	"github.com/Phillboard/mobul-sub010/pkg/repository"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/tenant"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoChannelAvailable = errutil.New(errutil.StatusServiceUnavailable, "no messaging channel available")
	ErrAccountNotFound    = errutil.New(errutil.StatusNotFound, "communication account not found")
	ErrInvalidAccount     = errutil.New(errutil.StatusValidationFailed, "invalid communication account")
)

// TenantChain resolves the client -> agency -> platform lineage.
type TenantChain interface {
	Chain(ctx context.Context, clientID string) (tenant.Chain, error)
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	cfg     *config.Config
	opts    config.Fulfillment
	gateway messaging.Gateway
	tenants TenantChain
	audit   audit.Recorder
	repo    repository.Repository[Account]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Config  *config.Config
	Gateway messaging.Gateway
	Tenants TenantChain
	Audit   audit.Recorder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		cfg:     p.Config,
		opts:    p.Config.Fulfillment.Defaults(),
		gateway: p.Gateway,
		tenants: p.Tenants,
		audit:   p.Audit,
		repo:    repository.ProvideStore[Account](p.DB),
		now:     time.Now,
	}
}

// Resolve picks the account a message for clientID should go through. The
// resolution trace is always returned and audited, also on
// ErrNoChannelAvailable.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	chain, err := s.tenants.Chain(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	owners := map[Level]string{
		LevelClient:    chain.ClientID,
		LevelAgency:    chain.AgencyID,
		LevelPlatform:  chain.PlatformID,
		LevelLegacyEnv: "",
	}

	snapshots := make([]Snapshot, 0, len(ChainOrder))
	for _, level := range ChainOrder {
		snap := Snapshot{Level: level}
		owner := owners[level]
		if level == LevelLegacyEnv || owner != "" {
			acc, err := s.repo.FindOne(ctx, &Account{Level: level, OwnerID: owner, Channel: req.Channel})
			if err != nil {
				return nil, err
			}
			snap.Account = acc
		}
		snapshots = append(snapshots, snap)
	}

	res := Resolve(s.now(), snapshots, Policy{RevalidationWindow: s.opts.RevalidationWindow})

	level := "none"
	msg := "no level available"
	if res.Active != nil {
		level = string(res.Active.Level)
		msg = fmt.Sprintf("resolved to %s", res.Active.Level)
		if res.Active.NeedsRevalidation {
			logger.FromContext(ctx).Warn("resolved account needs revalidation",
				zap.String("account_id", res.Active.AccountID),
				zap.String("level", level),
			)
		}
	}
	metrics.ChannelResolutions.WithLabelValues(level).Inc()

	s.audit.Record(ctx, audit.Event{
		TenantID:    req.ClientID,
		Kind:        audit.KindChannelResolution,
		RecipientID: req.RecipientID,
		ConditionID: req.ConditionID,
		Message:     msg,
		Payload:     audit.Payload(res),
	})

	if res.Active == nil {
		return &res, ErrNoChannelAvailable
	}
	return &res, nil
}

// RecordFailure counts a failed send and opens the circuit once the
// consecutive failure count reaches the threshold.
func (s *Service) RecordFailure(ctx context.Context, accountID string, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"failure_count": gorm.Expr("failure_count + 1"),
			"last_error":    lastErr,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	now := s.now().UTC()
	until := now.Add(s.opts.CircuitCooldown)
	res = s.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ? AND failure_count >= ?", accountID, s.opts.CircuitThreshold).
		Where("circuit_open_until IS NULL OR circuit_open_until <= ?", now).
		Update("circuit_open_until", until)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 1 {
		metrics.CircuitOpened.Inc()
		logger.FromContext(ctx).Warn("circuit opened for account",
			zap.String("account_id", accountID),
			zap.Time("until", until),
			zap.String("last_error", lastErr),
		)
		// platform and legacy accounts have no owner and audit untenanted
		var owner string
		if acc, err := s.GetAccount(ctx, accountID); err == nil {
			owner = acc.OwnerID
		} else {
			logger.FromContext(ctx).Warn("failed to load account owner for audit",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
		s.audit.Record(ctx, audit.Event{
			TenantID:  owner,
			Kind:      audit.KindCircuitOpened,
			Reference: accountID,
			Message:   fmt.Sprintf("circuit open until %s", until.Format(time.RFC3339)),
			Payload:   audit.Payload(map[string]string{"last_error": lastErr}),
		})
	}
	return nil
}

// RecordSuccess closes the circuit and counts one unit of monthly usage.
func (s *Service) RecordSuccess(ctx context.Context, accountID string) error {
	month := usageMonth(s.now())
	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"failure_count":       0,
			"circuit_open_until":  nil,
			"last_error":          "",
			"current_month_usage": gorm.Expr("CASE WHEN usage_month = ? THEN current_month_usage + 1 ELSE 1 END", month),
			"usage_month":         month,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkValidated checks the credentials with the provider and records the
// outcome.
func (s *Service) MarkValidated(ctx context.Context, accountID string) (*Account, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if verr := s.gateway.Validate(ctx, messaging.AccountRef{Provider: acc.Provider, CredentialsRef: acc.CredentialsRef}); verr != nil {
		logger.FromContext(ctx).Warn("account validation failed", zap.String("account_id", accountID), zap.Error(verr))
		updates["validated"] = false
		updates["last_error"] = verr.Error()
	} else {
		updates["validated"] = true
		updates["last_validated_at"] = s.now().UTC()
		updates["last_error"] = ""
	}

	updates["configured_at"] = s.now().UTC()
	if err := s.repo.Update(ctx, accountID, updates); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, accountID)
}

// Invalidate takes an account out of rotation until it is validated again.
func (s *Service) Invalidate(ctx context.Context, accountID, reason string) (*Account, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, accountID, map[string]any{"validated": false, "last_error": reason, "configured_at": s.now().UTC()}); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Service) SetEnabled(ctx context.Context, accountID string, enabled bool) (*Account, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, accountID, map[string]any{"enabled": enabled, "configured_at": s.now().UTC()}); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, accountID)
}

// UpsertAccount configures the account of one level. Changing credentials
// requires a fresh validation.
func (s *Service) UpsertAccount(ctx context.Context, req UpsertAccountRequest) (*Account, error) {
	if req.Level.String() == "" {
		return nil, fmt.Errorf("%w: unknown level %q", ErrInvalidAccount, req.Level)
	}
	if req.Channel != TypeSMS && req.Channel != TypeEmail {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidAccount, req.Channel)
	}
	if (req.Level == LevelLegacyEnv) != (req.OwnerID == "") {
		return nil, fmt.Errorf("%w: owner_id is required for every level but legacy_env", ErrInvalidAccount)
	}

	existing, err := s.repo.FindOne(ctx, &Account{Level: req.Level, OwnerID: req.OwnerID, Channel: req.Channel})
	if err != nil {
		return nil, err
	}

	if existing == nil {
		acc := &Account{
			AccountID:         s.node.Generate().String(),
			Level:             req.Level,
			OwnerID:           req.OwnerID,
			Channel:           req.Channel,
			Provider:          req.Provider,
			CredentialsRef:    req.CredentialsRef,
			Enabled:           req.Enabled == nil || *req.Enabled,
			MonthlyUsageLimit: req.MonthlyUsageLimit,
			UsageMonth:        usageMonth(s.now()),
			ConfiguredAt:      s.now().UTC(),
		}
		if err := s.repo.Create(ctx, acc); err != nil {
			return nil, errutil.Internal("failed to create account", err)
		}
		return acc, nil
	}

	updates := map[string]any{
		"provider":            req.Provider,
		"credentials_ref":     req.CredentialsRef,
		"monthly_usage_limit": req.MonthlyUsageLimit,
		"configured_at":       s.now().UTC(),
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if existing.CredentialsRef != req.CredentialsRef || existing.Provider != req.Provider {
		updates["validated"] = false
	}
	if err := s.repo.Update(ctx, existing.AccountID, updates); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, existing.AccountID)
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acc, err := s.repo.FindOne(ctx, &Account{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

func (s *Service) ListAccounts(ctx context.Context, ownerID string) ([]*Account, error) {
	return s.repo.Find(ctx, &Account{OwnerID: ownerID},
		option.WithSortBy(option.QuerySortBy{SortBy: "level", OrderBy: "asc", Allow: map[string]bool{"level": true}}),
	)
}

// SyncLegacyAccounts registers the process-wide fallback accounts from
// configuration. Existing rows keep their health state.
func (s *Service) SyncLegacyAccounts(ctx context.Context) error {
	var accounts []*Account
	if s.cfg.Twilio.AccountSID != "" {
		accounts = append(accounts, &Account{
			Level:          LevelLegacyEnv,
			Channel:        TypeSMS,
			Provider:       messaging.ProviderTwilio,
			CredentialsRef: messaging.LegacyRef,
		})
	}
	if s.cfg.AWS.SESSender != "" {
		accounts = append(accounts, &Account{
			Level:          LevelLegacyEnv,
			Channel:        TypeEmail,
			Provider:       messaging.ProviderSES,
			CredentialsRef: messaging.LegacyEmailRef,
		})
	}

	now := s.now().UTC()
	for _, acc := range accounts {
		acc.AccountID = s.node.Generate().String()
		acc.Enabled = true
		acc.Validated = true
		acc.LastValidatedAt = &now
		acc.UsageMonth = usageMonth(now)

		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "level"}, {Name: "owner_id"}, {Name: "channel"}},
				DoNothing: true,
			}).
			Create(acc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			zap.L().Info("registered legacy messaging account", zap.String("channel", string(acc.Channel)))
		}
	}
	return nil
}
