package inventory

import (
	"time"

	"gorm.io/datatypes"
)

type UnitState string

const (
	UnitAvailable      UnitState = "available"
	UnitClaimed        UnitState = "claimed"
	UnitDelivered      UnitState = "delivered"
	UnitFailedReturned UnitState = "failed_returned"
)

func (s UnitState) String() string {
	switch s {
	case UnitAvailable, UnitClaimed, UnitDelivered, UnitFailedReturned:
		return string(s)
	default:
		return ""
	}
}

// Pool is a bucket of scarce reward inventory, e.g. $25 Amazon gift cards
// for one client. AvailableCount is only ever changed by Claim and by
// adding units.
type Pool struct {
	PoolID            string         `gorm:"column:pool_id;primaryKey" json:"pool_id"`
	TenantID          string         `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	Name              string         `gorm:"column:name;not null" json:"name"`
	Brand             string         `gorm:"column:brand" json:"brand"`
	Denomination      int64          `gorm:"column:denomination;not null;default:0" json:"denomination"`
	Currency          string         `gorm:"column:currency;default:'USD'" json:"currency"`
	CostPerUnit       int64          `gorm:"column:cost_per_unit;not null;default:0" json:"cost_per_unit"`
	TotalCount        int64          `gorm:"column:total_count;not null;default:0" json:"total_count"`
	AvailableCount    int64          `gorm:"column:available_count;not null;default:0;check:available_count >= 0" json:"available_count"`
	LowStockThreshold int64          `gorm:"column:low_stock_threshold;not null;default:0" json:"low_stock_threshold"`
	IsActive          bool           `gorm:"column:is_active;default:true" json:"is_active"`
	Metadata          datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Pool) TableName() string {
	return "reward_pools"
}

// Unit is one allocable code. Once claimed, its (recipient, condition)
// binding never changes.
type Unit struct {
	UnitID      string     `gorm:"column:unit_id;primaryKey" json:"unit_id"`
	TenantID    string     `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	PoolID      string     `gorm:"column:pool_id;index:idx_unit_pool_state;not null" json:"pool_id"`
	State       UnitState  `gorm:"column:state;type:varchar(20);index:idx_unit_pool_state;not null;default:'available'" json:"state"`
	CodeHash    string     `gorm:"column:code_hash;uniqueIndex;not null" json:"-"`
	CodeEnc     string     `gorm:"column:code_enc;not null" json:"-"`
	KeyVersion  string     `gorm:"column:key_version" json:"-"`
	RecipientID *string    `gorm:"column:recipient_id;uniqueIndex:idx_unit_binding" json:"recipient_id,omitempty"`
	ConditionID *string    `gorm:"column:condition_id;uniqueIndex:idx_unit_binding" json:"condition_id,omitempty"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	DeliveredAt *time.Time `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Unit) TableName() string {
	return "reward_units"
}

type ClaimRequest struct {
	PoolID      string
	RecipientID string
	ConditionID string
}

type CreatePoolRequest struct {
	TenantID          string         `json:"tenant_id" binding:"required"`
	Name              string         `json:"name" binding:"required"`
	Brand             string         `json:"brand"`
	Denomination      int64          `json:"denomination"`
	Currency          string         `json:"currency"`
	CostPerUnit       int64          `json:"cost_per_unit"`
	LowStockThreshold int64          `json:"low_stock_threshold"`
	Metadata          datatypes.JSON `json:"metadata"`
}

// AddUnitsRequest either imports the given codes or, when Codes is empty,
// generates Generate new codes.
type AddUnitsRequest struct {
	Codes    []string `json:"codes"`
	Generate int      `json:"generate"`
}

type AddUnitsResponse struct {
	Added      int64 `json:"added"`
	Duplicates int64 `json:"duplicates"`
}

type ListPoolsRequest struct {
	TenantID   string `form:"tenant_id"`
	OnlyActive bool   `form:"only_active"`
}

// UnitView is the operator view of a unit with its code masked.
type UnitView struct {
	Unit
	MaskedCode string `json:"masked_code"`
}
