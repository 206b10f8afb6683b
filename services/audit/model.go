package audit

import (
	"time"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindEvaluationNoop     Kind = "evaluation_noop"
	KindConditionCompleted Kind = "condition_completed"
	KindChannelResolution  Kind = "channel_resolution"
	KindDeliveryAttempt    Kind = "delivery_attempt"
	KindLowStock           Kind = "low_stock"
	KindRetrySweep         Kind = "retry_sweep"
	KindCircuitOpened      Kind = "circuit_opened"
)

// Event stores the operator-facing trail of pipeline decisions.
type Event struct {
	EventID     int64          `gorm:"column:event_id;primaryKey;autoIncrement" json:"event_id"`
	TenantID    string         `gorm:"column:tenant_id;index" json:"tenant_id,omitempty"`
	Kind        Kind           `gorm:"column:kind;type:varchar(40);index;not null" json:"kind"`
	RecipientID string         `gorm:"column:recipient_id;index" json:"recipient_id,omitempty"`
	ConditionID string         `gorm:"column:condition_id" json:"condition_id,omitempty"`
	Reference   string         `gorm:"column:reference" json:"reference,omitempty"`
	Message     string         `gorm:"column:message" json:"message"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Event) TableName() string {
	return "audit_events"
}

type ListRequest struct {
	RecipientID string `form:"recipient_id"`
	Kind        Kind   `form:"kind"`
	Limit       int    `form:"limit,default=50"`
}
