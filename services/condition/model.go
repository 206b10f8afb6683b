package condition

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeFormSubmitted   Type = "form_submitted"
	TypeOptInConfirmed  Type = "opt_in_confirmed"
	TypeCallDisposition Type = "call_disposition"
	TypeLinkClicked     Type = "link_clicked"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFormSubmitted, TypeOptInConfirmed, TypeCallDisposition, TypeLinkClicked:
		return true
	default:
		return false
	}
}

type Action string

const (
	ActionSendSMSReward   Action = "send_sms_reward"
	ActionSendEmailReward Action = "send_email_reward"
	ActionLogOnly         Action = "log_only"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSendSMSReward, ActionSendEmailReward, ActionLogOnly:
		return true
	default:
		return false
	}
}

// SendsReward reports whether the action allocates and delivers a unit.
func (a Action) SendsReward() bool {
	return a == ActionSendSMSReward || a == ActionSendEmailReward
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Reason explains the outcome of an evaluation.
type Reason string

const (
	ReasonCompleted           Reason = "completed"
	ReasonAlreadyCompleted    Reason = "already_completed"
	ReasonNoMatch             Reason = "no_match"
	ReasonPrerequisitePending Reason = "prerequisite_pending"
	ReasonMetadataRejected    Reason = "metadata_rejected"
	ReasonCampaignInactive    Reason = "campaign_inactive"
)

// Definition is one ordered milestone of a campaign. Definitions are frozen
// once the campaign is live, except for deactivation.
type Definition struct {
	ConditionID      string         `gorm:"column:condition_id;primaryKey" json:"condition_id"`
	CampaignID       string         `gorm:"column:campaign_id;uniqueIndex:idx_condition_campaign_seq;not null" json:"campaign_id"`
	SequenceOrder    int            `gorm:"column:sequence_order;uniqueIndex:idx_condition_campaign_seq;not null" json:"sequence_order"`
	ConditionType    Type           `gorm:"column:condition_type;type:varchar(40);not null" json:"condition_type"`
	TriggerAction    Action         `gorm:"column:trigger_action;type:varchar(40);not null" json:"trigger_action"`
	IsRequired       bool           `gorm:"column:is_required;not null;default:true" json:"is_required"`
	IsActive         bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	RewardPoolID     *string        `gorm:"column:reward_pool_id" json:"reward_pool_id,omitempty"`
	MessageTemplate  string         `gorm:"column:message_template;type:text" json:"message_template,omitempty"`
	FilterExpression string         `gorm:"column:filter_expression;type:text" json:"filter_expression,omitempty"`
	MetadataSchema   datatypes.JSON `gorm:"column:metadata_schema" json:"metadata_schema,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Definition) TableName() string {
	return "condition_definitions"
}

// RecipientStatus is the idempotency anchor of one (recipient, condition).
// A completed row never goes back to pending. A completed row without
// DispatchedAt is a handoff fulfillment has not accepted yet.
type RecipientStatus struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecipientID     string         `gorm:"column:recipient_id;uniqueIndex:idx_status_recipient_condition;not null" json:"recipient_id"`
	ConditionID     string         `gorm:"column:condition_id;uniqueIndex:idx_status_recipient_condition;not null" json:"condition_id"`
	CampaignID      string         `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	Status          Status         `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	EventObservedAt *time.Time     `gorm:"column:event_observed_at" json:"event_observed_at,omitempty"`
	EventMetadata   datatypes.JSON `gorm:"column:event_metadata" json:"event_metadata,omitempty"`
	DispatchedAt    *time.Time     `gorm:"column:dispatched_at;index" json:"dispatched_at,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (RecipientStatus) TableName() string {
	return "recipient_condition_statuses"
}

type EvaluateRequest struct {
	RecipientID string         `json:"recipient_id" binding:"required"`
	CampaignID  string         `json:"campaign_id" binding:"required"`
	EventType   string         `json:"event_type" binding:"required"`
	Metadata    map[string]any `json:"metadata"`
}

type CascadeResult struct {
	ConditionID    string `json:"condition_id"`
	NewlyCompleted bool   `json:"newly_completed"`
	TriggerAction  Action `json:"trigger_action"`
	Reason         Reason `json:"reason"`
}

type EvaluationResult struct {
	Matched        bool            `json:"matched"`
	NewlyCompleted bool            `json:"newly_completed"`
	ConditionID    string          `json:"condition_id,omitempty"`
	TriggerAction  Action          `json:"trigger_action,omitempty"`
	Reason         Reason          `json:"reason"`
	Cascaded       []CascadeResult `json:"cascaded,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Handoff is what the fulfillment side receives for a newly completed
// condition.
type Handoff struct {
	TenantID        string         `json:"tenant_id"`
	CampaignID      string         `json:"campaign_id"`
	RecipientID     string         `json:"recipient_id"`
	ConditionID     string         `json:"condition_id"`
	TriggerAction   Action         `json:"trigger_action"`
	RewardPoolID    string         `json:"reward_pool_id,omitempty"`
	MessageTemplate string         `json:"message_template,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type DefinitionInput struct {
	SequenceOrder    int            `json:"sequence_order" binding:"required"`
	ConditionType    Type           `json:"condition_type" binding:"required"`
	TriggerAction    Action         `json:"trigger_action" binding:"required"`
	IsRequired       *bool          `json:"is_required"`
	RewardPoolID     *string        `json:"reward_pool_id"`
	MessageTemplate  string         `json:"message_template"`
	FilterExpression string         `json:"filter_expression"`
	MetadataSchema   datatypes.JSON `json:"metadata_schema"`
}

type DefineConditionsRequest struct {
	Conditions []DefinitionInput `json:"conditions" binding:"required,dive"`
}
