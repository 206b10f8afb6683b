package tenant

import (
	"time"
)

// Level is a tenant's position in the reseller hierarchy.
type Level string

const (
	LevelClient   Level = "client"
	LevelAgency   Level = "agency"
	LevelPlatform Level = "platform"
)

func (l Level) String() string {
	switch l {
	case LevelClient, LevelAgency, LevelPlatform:
		return string(l)
	default:
		return ""
	}
}

// parentLevel is the level a tenant's parent must have.
func (l Level) parentLevel() Level {
	switch l {
	case LevelClient:
		return LevelAgency
	case LevelAgency:
		return LevelPlatform
	default:
		return ""
	}
}

type TenantStatus string

var (
	Active    TenantStatus = "active"
	Suspended TenantStatus = "suspended"
	Archived  TenantStatus = "archived"
)

type Tenant struct {
	ID        string       `gorm:"column:id;primaryKey" json:"id"`
	ParentID  *string      `gorm:"column:parent_id;index" json:"parent_id,omitempty"`
	Level     Level        `gorm:"column:level;type:varchar(20);not null" json:"level"`
	Name      string       `gorm:"column:name;not null" json:"name"`
	Slug      string       `gorm:"column:slug;uniqueIndex" json:"slug"`
	Timezone  string       `gorm:"column:timezone" json:"timezone"`
	Status    TenantStatus `gorm:"column:status;default:'active'" json:"status"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Chain is the client -> agency -> platform lineage of one client. Missing
// levels are left empty.
type Chain struct {
	ClientID   string `json:"client_id"`
	AgencyID   string `json:"agency_id,omitempty"`
	PlatformID string `json:"platform_id,omitempty"`
}

type CreateTenantRequest struct {
	Name     string  `json:"name" binding:"required"`
	Slug     string  `json:"slug"`
	Level    Level   `json:"level" binding:"required"`
	ParentID *string `json:"parent_id"`
	Timezone string  `json:"timezone"`
}
