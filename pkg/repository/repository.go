package repository

import (
	"context"

	"github.com/Phillboard/mobul-sub010/pkg/db/option"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the generic gorm store every service embeds for plain CRUD.
// Anything that needs a conditional write goes through the raw *gorm.DB.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	CreateIgnoreConflict(ctx context.Context, resource *T, columns ...string) (int64, error)
	Update(ctx context.Context, resourceID string, resource any) error
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, filter *T, opts []option.QueryOption) *gorm.DB {
	q := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		q = q.Where(filter)
	}
	for _, opt := range opts {
		q = opt(q)
	}
	return q
}

func (s *store[T]) Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error) {
	var out []*T
	if err := s.query(ctx, filter, opts).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne returns nil, nil when no row matches.
func (s *store[T]) FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error) {
	var out T
	res := s.query(ctx, filter, opts).Limit(1).Find(&out)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

// CreateIgnoreConflict inserts with ON CONFLICT DO NOTHING and reports how
// many rows were written.
func (s *store[T]) CreateIgnoreConflict(ctx context.Context, resource *T, columns ...string) (int64, error) {
	conflict := clause.OnConflict{DoNothing: true}
	for _, c := range columns {
		conflict.Columns = append(conflict.Columns, clause.Column{Name: c})
	}
	res := s.db.WithContext(ctx).Clauses(conflict).Create(resource)
	return res.RowsAffected, res.Error
}

// Update patches the row whose primary key is resourceID.
func (s *store[T]) Update(ctx context.Context, resourceID string, resource any) error {
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(new(T)); err != nil {
		return err
	}
	pk := "id"
	if stmt.Schema != nil && stmt.Schema.PrioritizedPrimaryField != nil {
		pk = stmt.Schema.PrioritizedPrimaryField.DBName
	}
	return s.db.WithContext(ctx).Model(new(T)).Where(clause.Eq{Column: clause.Column{Name: pk}, Value: resourceID}).Updates(resource).Error
}
