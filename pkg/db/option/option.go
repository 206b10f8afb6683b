package option

import (
	"fmt"
	"strings"

	"github.com/Phillboard/mobul-sub010/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	// Allow whitelists sortable columns. Anything else sorts by created_at.
	Allow map[string]bool
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			if c.Operator == IN {
				db = db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
				continue
			}
			db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
		return db
	}
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		field := "created_at"
		if s.SortBy != "" && s.Allow[s.SortBy] {
			field = s.SortBy
		}
		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: field}, Desc: desc})
	}
}

// ApplyPagination pages newest first by a snowflake id column. It fetches
// one extra row so callers can compute HasMore.
func ApplyPagination(p pagination.Pagination, idColumn string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Cursor != "" {
			if c, err := pagination.DecodeCursor(p.Cursor); err == nil && c.ID != "" {
				db = db.Where(fmt.Sprintf("%s < ?", idColumn), c.ID)
			}
		}
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: idColumn}, Desc: true}).
			Limit(p.PageSize() + 1)
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	}
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate adds SELECT ... FOR UPDATE. SQLite ignores the clause.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// SkipLocked adds FOR UPDATE SKIP LOCKED so concurrent claimers pick
// different rows instead of queueing on the same one.
func SkipLocked(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
