package fulfillment

import (
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/db/pagination"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"

	"gorm.io/datatypes"
)

// Stage is the position of a fulfillment in its pipeline. It is persisted
// after every transition so a restarted run resumes instead of restarting.
type Stage string

const (
	StageEvaluated  Stage = "evaluated"
	StageAllocating Stage = "allocating"
	StageAllocated  Stage = "allocated"
	StageResolving  Stage = "resolving"
	StageResolved   Stage = "resolved"
	StageSending    Stage = "sending"
	StageSent       Stage = "sent"
	StageFailed     Stage = "failed"
)

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Failure reasons operators filter on.
const (
	ReasonPoolExhausted = "pool exhausted"
	ReasonNoChannel     = "no channel"
	ReasonPaused        = "fulfillment paused"
)

// DeliveryRecord tracks one (recipient, condition) fulfillment. Only this
// package and the retry sweep write it.
type DeliveryRecord struct {
	RecordID          string           `gorm:"column:record_id;primaryKey" json:"record_id"`
	TenantID          string           `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	CampaignID        string           `gorm:"column:campaign_id;index" json:"campaign_id"`
	RecipientID       string           `gorm:"column:recipient_id;uniqueIndex:idx_delivery_recipient_condition;not null" json:"recipient_id"`
	ConditionID       string           `gorm:"column:condition_id;uniqueIndex:idx_delivery_recipient_condition;not null" json:"condition_id"`
	TriggerAction     condition.Action `gorm:"column:trigger_action;type:varchar(40);not null" json:"trigger_action"`
	Channel           channel.Type     `gorm:"column:channel;type:varchar(10);not null" json:"channel"`
	RewardPoolID      string           `gorm:"column:reward_pool_id" json:"reward_pool_id"`
	RewardUnitID      *string          `gorm:"column:reward_unit_id" json:"reward_unit_id,omitempty"`
	AccountID         *string          `gorm:"column:account_id" json:"account_id,omitempty"`
	AccountLevel      channel.Level    `gorm:"column:account_level;type:varchar(20)" json:"account_level,omitempty"`
	Stage             Stage            `gorm:"column:stage;type:varchar(20);not null" json:"stage"`
	FailedStage       Stage            `gorm:"column:failed_stage;type:varchar(20)" json:"failed_stage,omitempty"`
	DeliveryStatus    DeliveryStatus   `gorm:"column:delivery_status;type:varchar(20);index:idx_delivery_sweep;not null" json:"delivery_status"`
	Retryable         bool             `gorm:"column:retryable;index:idx_delivery_sweep;not null;default:false" json:"retryable"`
	FailureReason     string           `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	RetryCount        int              `gorm:"column:retry_count;index:idx_delivery_sweep;not null;default:0" json:"retry_count"`
	LastRetryAt       *time.Time       `gorm:"column:last_retry_at" json:"last_retry_at,omitempty"`
	// AwaitingChannel holds a no-channel failure back from the sweep until
	// NextAttemptAt passes or an operator reconfigures an account.
	AwaitingChannel   bool             `gorm:"column:awaiting_channel;not null;default:false" json:"awaiting_channel,omitempty"`
	NextAttemptAt     *time.Time       `gorm:"column:next_attempt_at" json:"next_attempt_at,omitempty"`
	ProviderMessageID string           `gorm:"column:provider_message_id" json:"provider_message_id,omitempty"`
	MessageTemplate   string           `gorm:"column:message_template;type:text" json:"message_template,omitempty"`
	Metadata          datatypes.JSON   `gorm:"column:metadata" json:"metadata,omitempty"`
	SentAt            *time.Time       `gorm:"column:sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (DeliveryRecord) TableName() string {
	return "delivery_records"
}

func channelFor(action condition.Action) channel.Type {
	if action == condition.ActionSendEmailReward {
		return channel.TypeEmail
	}
	return channel.TypeSMS
}

type ListRequest struct {
	pagination.Pagination
	TenantID    string         `form:"tenant_id"`
	RecipientID string         `form:"recipient_id"`
	Status      DeliveryStatus `form:"status"`
}
