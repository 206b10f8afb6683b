package contact

import "time"

// Contact is a campaign recipient as seen by fulfillment: where to send and
// what to call them.
type Contact struct {
	ContactID string    `gorm:"column:contact_id;primaryKey" json:"contact_id"`
	TenantID  string    `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	FirstName string    `gorm:"column:first_name" json:"first_name"`
	LastName  string    `gorm:"column:last_name" json:"last_name"`
	Phone     string    `gorm:"column:phone" json:"phone"`
	Email     string    `gorm:"column:email" json:"email"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (c *Contact) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

type UpsertContactRequest struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email" binding:"omitempty,email"`
}
