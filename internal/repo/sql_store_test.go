package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-tryon-backend/internal/domain"
)

func newSQLStore(t *testing.T, atomic bool) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:store_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewSQLStore(db, atomic)
}

func TestSQLStore_CreateSelect_RoundTrip(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	row, err := s.Create(ctx, domain.CollectionTryOns, Row{
		"user_id":            "u1",
		"original_image_url": "https://shop/g.jpg",
		"website_url":        "https://shop",
		"status":             domain.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, _ := row["id"].(string)
	if id == "" || row["status"] != domain.StatusProcessing {
		t.Fatalf("unexpected created row: %#v", row)
	}

	rows, err := s.Select(ctx, domain.CollectionTryOns, Filter{"id": id})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Select: rows=%v err=%v", rows, err)
	}
	var tr domain.TryOn
	if err := Decode(rows[0], &tr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tr.UserID != "u1" || tr.OriginalImageURL != "https://shop/g.jpg" || tr.CreatedAt.IsZero() {
		t.Fatalf("unexpected decoded tryon: %+v", tr)
	}
}

func TestSQLStore_Create_Duplicate(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	fields := Row{"user_id": "u1", "date": "2025-03-01", "count": 1}
	if _, err := s.Create(ctx, domain.CollectionUsage, fields); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Create(ctx, domain.CollectionUsage, Row{"user_id": "u1", "date": "2025-03-01", "count": 1})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestSQLStore_UnknownCollectionAndField(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	if _, err := s.Select(ctx, "nope", nil); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
	if _, err := s.Select(ctx, domain.CollectionUsers, Filter{"shoe_size": 42}); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestSQLStore_Update_ReturnsOnlyMatched(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	row, err := s.Create(ctx, domain.CollectionUsage, Row{"user_id": "u1", "date": "2025-03-01", "count": 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := row["id"]

	// Version-guarded update succeeds while the count still matches.
	got, err := s.Update(ctx, domain.CollectionUsage, Row{"count": 3}, Filter{"id": id, "count": 2})
	if err != nil || len(got) != 1 {
		t.Fatalf("Update: rows=%v err=%v", got, err)
	}
	var u domain.APIUsage
	if err := Decode(got[0], &u); err != nil || u.Count != 3 {
		t.Fatalf("expected count 3, got %+v err=%v", u, err)
	}

	// A stale guard matches nothing.
	got, err = s.Update(ctx, domain.CollectionUsage, Row{"count": 4}, Filter{"id": id, "count": 2})
	if err != nil {
		t.Fatalf("stale Update: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result for stale guard, got %v", got)
	}
}

func TestSQLStore_Update_FilterOnChangedColumn(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	row, err := s.Create(ctx, domain.CollectionTryOns, Row{
		"user_id": "u1", "original_image_url": "g", "status": domain.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Update(ctx, domain.CollectionTryOns,
		Row{"status": domain.StatusCompleted, "generated_image_url": "data:image/jpeg;base64,AA=="},
		Filter{"id": row["id"], "status": domain.StatusProcessing})
	if err != nil || len(got) != 1 {
		t.Fatalf("Update: rows=%v err=%v", got, err)
	}
	if got[0]["status"] != domain.StatusCompleted || got[0]["generated_image_url"] != "data:image/jpeg;base64,AA==" {
		t.Fatalf("unexpected updated row: %#v", got[0])
	}
}

func TestSQLStore_IncrementIfUnderLimit(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.IncrementIfUnderLimit(ctx, "u1", "2025-03-01", 3)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.Allowed || res.Count != i {
			t.Fatalf("increment %d: got %+v", i, res)
		}
	}
	res, err := s.IncrementIfUnderLimit(ctx, "u1", "2025-03-01", 3)
	if err != nil {
		t.Fatalf("increment at limit: %v", err)
	}
	if res.Allowed || res.Count != 3 {
		t.Fatalf("expected denied at 3, got %+v", res)
	}

	// Other days and identities are independent.
	res, err = s.IncrementIfUnderLimit(ctx, "u1", "2025-03-02", 3)
	if err != nil || !res.Allowed || res.Count != 1 {
		t.Fatalf("next day: res=%+v err=%v", res, err)
	}
}

func TestSQLStore_IncrementIfUnderLimit_Disabled(t *testing.T) {
	s := newSQLStore(t, false)
	_, err := s.IncrementIfUnderLimit(context.Background(), "u1", "2025-03-01", 3)
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("expected ErrCapabilityNotFound, got %v", err)
	}
}

// Interface guards.
var (
	_ Store             = (*SQLStore)(nil)
	_ AtomicIncrementer = (*SQLStore)(nil)
	_ Store             = (*RESTStore)(nil)
	_ AtomicIncrementer = (*RESTStore)(nil)
)

func TestSQLStore_Update_RefusesEmptyFilter(t *testing.T) {
	s := newSQLStore(t, true)
	ctx := context.Background()
	if _, err := s.Create(ctx, domain.CollectionUsage, Row{"user_id": "u1", "date": "2025-03-01", "count": 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Update(ctx, domain.CollectionUsage, Row{"count": 9}, nil); !errors.Is(err, ErrEmptyFilter) {
		t.Fatalf("expected ErrEmptyFilter, got %v", err)
	}
	rows, err := s.Select(ctx, domain.CollectionUsage, nil)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Select: rows=%v err=%v", rows, err)
	}
	var u domain.APIUsage
	if err := Decode(rows[0], &u); err != nil || u.Count != 1 {
		t.Fatalf("counter changed: %+v err=%v", u, err)
	}
}
