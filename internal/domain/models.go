// Package domain defines the persistence models for try-on generations,
// daily usage counters, and user profiles. These types are mapped with GORM
// and form the core data layer of the try-on backend.
package domain

import (
	"time"
)

// Collection names used by the record store.
const (
	CollectionTryOns = "tryons"
	CollectionUsage  = "api_usage"
	CollectionUsers  = "users"
)

// Try-on statuses. A record moves from StatusProcessing to exactly one of
// the terminal statuses and never back.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TryOn represents one generation attempt owned by a user.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; indexed for history listing.
//   - OriginalImageURL: reference to the garment image the user picked.
//   - WebsiteURL: page the garment was found on.
//   - Status: processing | completed | failed (enforced by DB constraint).
//   - GeneratedImageURL: reference to the generated artifact (completed only).
//   - ErrorMessage: failure description (failed only).
//   - CreatedAt / CompletedAt: lifecycle timestamps.
type TryOn struct {
	ID                string     `json:"id"                            gorm:"type:char(36);primaryKey"`
	UserID            string     `json:"user_id"                       gorm:"type:varchar(64);not null;index:idx_user_tryons,priority:1"`
	OriginalImageURL  string     `json:"original_image_url"            gorm:"type:text;not null"`
	WebsiteURL        string     `json:"website_url"                   gorm:"type:text"`
	Status            string     `json:"status"                        gorm:"type:varchar(16);not null;default:'processing';check:status IN ('processing','completed','failed')"`
	GeneratedImageURL *string    `json:"generated_image_url,omitempty" gorm:"type:text"`
	ErrorMessage      *string    `json:"error_message,omitempty"       gorm:"type:text"`
	CreatedAt         time.Time  `json:"created_at"                    gorm:"index:idx_user_tryons,priority:2"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for TryOn.
func (TryOn) TableName() string { return CollectionTryOns }

// APIUsage is the per-identity, per-day generation counter. The unique index
// on (user_id, date) turns a concurrent "create first row of the day" race
// into a uniqueness conflict the quota service can retry on.
type APIUsage struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_user_date,priority:1"`
	Date      string    `json:"date"       gorm:"type:char(10);not null;uniqueIndex:ux_usage_user_date,priority:2"`
	Count     int       `json:"count"      gorm:"not null;default:0;check:count >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for APIUsage.
func (APIUsage) TableName() string { return CollectionUsage }

// UserProfile holds what the backend needs to know about a user: the
// full-body image that garments are rendered onto.
type UserProfile struct {
	ID               string    `json:"id"                  gorm:"type:char(36);primaryKey"`
	Name             string    `json:"name"                gorm:"type:varchar(255)"`
	Gender           string    `json:"gender"              gorm:"type:varchar(32)"`
	ProfileImageURL  string    `json:"profile_image_url"   gorm:"type:text"`
	FullBodyImageURL string    `json:"full_body_image_url" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserProfile.
func (UserProfile) TableName() string { return CollectionUsers }

// Models lists every persisted model, in migration order.
func Models() []any {
	return []any{&UserProfile{}, &TryOn{}, &APIUsage{}}
}
