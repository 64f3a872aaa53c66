package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/tbourn/go-tryon-backend/internal/domain"
)

// SQLStore serves the Store contract from a GORM database. Each collection is
// backed by the table of the matching domain model; rows are exchanged through
// the models' JSON tags so callers see the same shape as from RESTStore.
//
// When Atomic is true the store also offers IncrementIfUnderLimit as a single
// upsert statement; when false it reports ErrCapabilityNotFound, which makes
// callers take the read-then-write path.
type SQLStore struct {
	DB     *gorm.DB
	Atomic bool

	schemas sync.Map
}

// NewSQLStore wraps db. atomic toggles the server-side increment primitive.
func NewSQLStore(db *gorm.DB, atomic bool) *SQLStore {
	return &SQLStore{DB: db, Atomic: atomic}
}

func modelFor(collection string) (any, error) {
	switch collection {
	case domain.CollectionTryOns:
		return &domain.TryOn{}, nil
	case domain.CollectionUsage:
		return &domain.APIUsage{}, nil
	case domain.CollectionUsers:
		return &domain.UserProfile{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
}

// columns validates keys against the collection's schema and returns them
// keyed by database column name.
func (s *SQLStore) columns(model any, in map[string]any) (map[string]any, error) {
	sch, err := schema.Parse(model, &s.schemas, s.DB.NamingStrategy)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		f := sch.LookUpField(k)
		if f == nil || f.DBName == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
		out[f.DBName] = v
	}
	return out, nil
}

// Create inserts fields as a new record. A missing id is filled with a UUID
// and timestamps are managed by GORM.
func (s *SQLStore) Create(ctx context.Context, collection string, fields Row) (Row, error) {
	model, err := modelFor(collection)
	if err != nil {
		return nil, err
	}
	if _, err := s.columns(model, fields); err != nil {
		return nil, err
	}
	if err := Decode(fields, model); err != nil {
		return nil, err
	}
	ensureID(model)

	if err := s.DB.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return RowOf(model)
}

// Update applies fields to the records matching filter and returns them.
//
// The write is a single UPDATE guarded by both the candidate ids and the
// filter, so a record changed concurrently between the lookup and the write
// is not touched. If no record is affected the result is empty.
func (s *SQLStore) Update(ctx context.Context, collection string, fields Row, filter Filter) ([]Row, error) {
	if len(filter) == 0 {
		return nil, ErrEmptyFilter
	}
	model, err := modelFor(collection)
	if err != nil {
		return nil, err
	}
	set, err := s.columns(model, fields)
	if err != nil {
		return nil, err
	}
	where, err := s.columns(model, filter)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return s.Select(ctx, collection, filter)
	}

	db := s.DB.WithContext(ctx)
	var ids []string
	if err := db.Model(model).Where(where).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Row{}, nil
	}

	res := db.Model(model).Where(where).Where("id IN ?", ids).Updates(set)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) || isDuplicate(res.Error) {
			return nil, ErrDuplicate
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return []Row{}, nil
	}
	return s.selectWhere(ctx, collection, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
}

// Select returns the records matching filter ordered by creation time.
func (s *SQLStore) Select(ctx context.Context, collection string, filter Filter) ([]Row, error) {
	model, err := modelFor(collection)
	if err != nil {
		return nil, err
	}
	where, err := s.columns(model, filter)
	if err != nil {
		return nil, err
	}
	return s.selectWhere(ctx, collection, func(tx *gorm.DB) *gorm.DB {
		if len(where) == 0 {
			return tx
		}
		return tx.Where(where)
	})
}

func (s *SQLStore) selectWhere(ctx context.Context, collection string, scope func(*gorm.DB) *gorm.DB) ([]Row, error) {
	model, err := modelFor(collection)
	if err != nil {
		return nil, err
	}
	// A pointer to a slice of the model's element type.
	slice := reflect.New(reflect.SliceOf(reflect.TypeOf(model).Elem()))
	if err := scope(s.DB.WithContext(ctx).Model(model)).
		Order("created_at ASC, id ASC").
		Find(slice.Interface()).Error; err != nil {
		return nil, err
	}
	items := slice.Elem()
	out := make([]Row, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		r, err := RowOf(items.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// IncrementIfUnderLimit atomically increments the (identity, day) counter
// unless it already reached limit. The first increment of the day creates the
// row. Implemented as INSERT .. ON CONFLICT DO UPDATE .. WHERE count < limit.
func (s *SQLStore) IncrementIfUnderLimit(ctx context.Context, identity, day string, limit int) (IncrementResult, error) {
	if !s.Atomic {
		return IncrementResult{}, ErrCapabilityNotFound
	}
	if limit <= 0 {
		cur, err := s.currentCount(ctx, identity, day)
		return IncrementResult{Allowed: false, Count: cur}, err
	}

	now := time.Now().UTC()
	row := &domain.APIUsage{
		ID:        uuid.NewString(),
		UserID:    identity,
		Date:      day,
		Count:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr(domain.CollectionUsage+".count + 1"),
			"updated_at": now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr(domain.CollectionUsage+".count < ?", limit),
		}},
	}).Create(row)
	if res.Error != nil {
		return IncrementResult{}, res.Error
	}

	cur, err := s.currentCount(ctx, identity, day)
	if err != nil {
		return IncrementResult{}, err
	}
	return IncrementResult{Allowed: res.RowsAffected > 0, Count: cur}, nil
}

func (s *SQLStore) currentCount(ctx context.Context, identity, day string) (int, error) {
	var u domain.APIUsage
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND date = ?", identity, day).
		Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.Count, nil
}

func ensureID(model any) {
	switch m := model.(type) {
	case *domain.TryOn:
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
	case *domain.APIUsage:
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
	case *domain.UserProfile:
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
	}
}
