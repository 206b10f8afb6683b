package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type EntryType string

const (
	Credit EntryType = "CREDIT"
	Debit  EntryType = "DEBIT"
)

const genesisHash = "GENESIS"

// Balance is the running credit balance of one tenant.
type Balance struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey" json:"tenant_id"`
	Balance   int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	LastSeq   int64     `gorm:"column:last_seq;not null;default:0" json:"last_seq"`
	LastHash  string    `gorm:"column:last_hash" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// LedgerEntry is one hash-chained movement of tenant credit.
type LedgerEntry struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	TenantID      string         `gorm:"column:tenant_id;uniqueIndex:idx_ledger_tenant_ref;uniqueIndex:idx_ledger_tenant_seq;not null" json:"tenant_id"`
	Seq           int64          `gorm:"column:seq;uniqueIndex:idx_ledger_tenant_seq;not null" json:"seq"`
	Type          EntryType      `gorm:"column:type;not null" json:"type"`
	Amount        int64          `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter  int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	TransactionID string         `gorm:"column:transaction_id" json:"transaction_id"`
	ReferenceID   string         `gorm:"column:reference_id;uniqueIndex:idx_ledger_tenant_ref;not null" json:"reference_id"`
	Description   string         `gorm:"column:description" json:"description"`
	PreviousHash  string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash          string         `gorm:"column:hash" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
}

type EntryRequest struct {
	TenantID    string         `json:"tenant_id"`
	Amount      int64          `json:"amount" binding:"required,gt=0"`
	ReferenceID string         `json:"reference_id" binding:"required"`
	Description string         `json:"description"`
	Metadata    datatypes.JSON `json:"metadata"`
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"tenant_id":      m.TenantID,
		"seq":            fmt.Sprintf("%d", m.Seq),
		"type":           string(m.Type),
		"amount":         fmt.Sprintf("%d", m.Amount),
		"balance_after":  fmt.Sprintf("%d", m.BalanceAfter),
		"transaction_id": m.TransactionID,
		"reference_id":   m.ReferenceID,
		"description":    m.Description,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func GenerateTransactionID() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", datePart, strings.ToUpper(hex.EncodeToString(r))), nil
}
