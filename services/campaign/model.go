package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type CampaignStatus string

const (
	CampaignStatusDraft    CampaignStatus = "DRAFT"
	CampaignStatusActive   CampaignStatus = "ACTIVE"
	CampaignStatusInactive CampaignStatus = "INACTIVE"
	CampaignStatusExpired  CampaignStatus = "EXPIRED"
)

// Campaign is the minimal read model the fulfillment pipeline needs: who
// owns it and whether it is live.
type Campaign struct {
	CampaignID  string         `gorm:"column:campaign_id;primaryKey" json:"campaign_id"`
	TenantID    string         `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	Name        string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description string         `gorm:"column:description;type:text" json:"description"`
	Status      CampaignStatus `gorm:"column:status;type:varchar(50);not null;default:'DRAFT'" json:"status"`
	StartAt     *time.Time     `gorm:"column:start_at" json:"start_at,omitempty"`
	EndAt       *time.Time     `gorm:"column:end_at" json:"end_at,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// IsActive checks if campaign is currently active based on time range & status.
func (c *Campaign) IsActive(now time.Time) bool {
	if c.Status != CampaignStatusActive {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

// IsLive reports whether the campaign has left draft. Condition definitions
// are frozen from then on.
func (c *Campaign) IsLive() bool {
	return c.Status != CampaignStatusDraft
}

type CreateCampaignRequest struct {
	TenantID    string         `json:"tenant_id" binding:"required"`
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	StartAt     *time.Time     `json:"start_at"`
	EndAt       *time.Time     `json:"end_at"`
	Metadata    datatypes.JSON `json:"metadata"`
}
