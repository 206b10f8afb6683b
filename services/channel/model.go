package channel

import (
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/messaging"
)

// Level is a rung of the fallback chain. Earlier levels win.
type Level string

const (
	LevelClient    Level = "client"
	LevelAgency    Level = "agency"
	LevelPlatform  Level = "platform"
	LevelLegacyEnv Level = "legacy_env"
)

// ChainOrder is the order levels are consulted in.
var ChainOrder = []Level{LevelClient, LevelAgency, LevelPlatform, LevelLegacyEnv}

func (l Level) String() string {
	switch l {
	case LevelClient, LevelAgency, LevelPlatform, LevelLegacyEnv:
		return string(l)
	default:
		return ""
	}
}

type Type string

const (
	TypeSMS   Type = "sms"
	TypeEmail Type = "email"
)

// Reason explains why a level is or is not usable.
type Reason string

const (
	ReasonAvailable     Reason = "available"
	ReasonNotConfigured Reason = "not_configured"
	ReasonDisabled      Reason = "disabled"
	ReasonNotValidated  Reason = "not_validated"
	ReasonCircuitOpen   Reason = "circuit_open"
	ReasonOverLimit     Reason = "over_limit"
)

// Account is the outbound messaging configuration of one tenant level.
// Health fields are only written by RecordFailure, RecordSuccess,
// MarkValidated and Invalidate.
type Account struct {
	AccountID         string             `gorm:"column:account_id;primaryKey" json:"account_id"`
	Level             Level              `gorm:"column:level;type:varchar(20);uniqueIndex:idx_account_owner_channel;not null" json:"level"`
	OwnerID           string             `gorm:"column:owner_id;uniqueIndex:idx_account_owner_channel;not null;default:''" json:"owner_id"`
	Channel           Type               `gorm:"column:channel;type:varchar(10);uniqueIndex:idx_account_owner_channel;not null" json:"channel"`
	Provider          messaging.Provider `gorm:"column:provider;type:varchar(20);not null" json:"provider"`
	CredentialsRef    string             `gorm:"column:credentials_ref;not null" json:"credentials_ref"`
	Enabled           bool               `gorm:"column:enabled;not null;default:true" json:"enabled"`
	Validated         bool               `gorm:"column:validated;not null;default:false" json:"validated"`
	LastValidatedAt   *time.Time         `gorm:"column:last_validated_at" json:"last_validated_at,omitempty"`
	LastError         string             `gorm:"column:last_error" json:"last_error,omitempty"`
	FailureCount      int                `gorm:"column:failure_count;not null;default:0" json:"failure_count"`
	CircuitOpenUntil  *time.Time         `gorm:"column:circuit_open_until" json:"circuit_open_until,omitempty"`
	MonthlyUsageLimit int64              `gorm:"column:monthly_usage_limit;not null;default:0" json:"monthly_usage_limit"`
	CurrentMonthUsage int64              `gorm:"column:current_month_usage;not null;default:0" json:"current_month_usage"`
	UsageMonth        string             `gorm:"column:usage_month;type:varchar(7)" json:"usage_month"`
	// ConfiguredAt moves on operator changes only, never on send outcomes.
	ConfiguredAt      time.Time          `gorm:"column:configured_at" json:"configured_at"`
	CreatedAt         time.Time          `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "communication_accounts"
}

// usageMonth is the bucket monthly usage is counted in.
func usageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type UpsertAccountRequest struct {
	Level             Level              `json:"level" binding:"required"`
	OwnerID           string             `json:"owner_id"`
	Channel           Type               `json:"channel" binding:"required"`
	Provider          messaging.Provider `json:"provider" binding:"required"`
	CredentialsRef    string             `json:"credentials_ref" binding:"required"`
	Enabled           *bool              `json:"enabled"`
	MonthlyUsageLimit int64              `json:"monthly_usage_limit"`
}

type ResolveRequest struct {
	ClientID    string `json:"client_id" binding:"required"`
	Channel     Type   `json:"channel" binding:"required"`
	RecipientID string `json:"recipient_id"`
	ConditionID string `json:"condition_id"`
}
