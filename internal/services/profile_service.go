// Package services – ProfileService
//
// This file implements profile persistence: the user's name, gender, and the
// image references the saga renders garments onto. Gender values are
// case-folded and checked against a small allowed set.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"

	"github.com/tbourn/go-tryon-backend/internal/domain"
	"github.com/tbourn/go-tryon-backend/internal/repo"
)

// ProfileRequest is the profile as sent by callers. An empty ID creates a
// new profile.
type ProfileRequest struct {
	ID               string `json:"id,omitempty"                  validate:"omitempty,max=64"`
	Name             string `json:"name"                          validate:"max=255"`
	Gender           string `json:"gender,omitempty"              validate:"max=32"`
	ProfileImageURL  string `json:"profile_image_url,omitempty"`
	FullBodyImageURL string `json:"full_body_image_url,omitempty"`
}

// ProfileResult identifies the saved profile.
type ProfileResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

var allowedGenders = map[string]bool{"": true, "female": true, "male": true, "other": true}

// ProfileService stores user profiles.
type ProfileService struct {
	Store repo.Store
	Log   zerolog.Logger
}

// Save updates the profile with req.ID, or creates it when no such profile
// exists (generating an id when req.ID is empty).
func (s *ProfileService) Save(ctx context.Context, req ProfileRequest) (*ProfileResult, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "Save",
		trace.WithAttributes(attribute.String("user.id", req.ID)))
	defer span.End()

	gender := cases.Fold().String(strings.TrimSpace(req.Gender))
	if !allowedGenders[gender] {
		return nil, invalid("%w: gender must be one of female, male, other", ErrInvalidRequest)
	}
	fields := repo.Row{
		"name":                strings.TrimSpace(req.Name),
		"gender":              gender,
		"profile_image_url":   req.ProfileImageURL,
		"full_body_image_url": req.FullBodyImageURL,
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		rows, err := s.Store.Update(ctx, domain.CollectionUsers, fields, repo.Filter{"id": id})
		if err != nil {
			span.RecordError(err)
			return nil, sagaErr(KindRecord, fmt.Errorf("update profile: %w", err))
		}
		if len(rows) > 0 {
			return &ProfileResult{ID: id}, nil
		}
	} else {
		id = uuid.NewString()
	}

	fields["id"] = id
	row, err := s.Store.Create(ctx, domain.CollectionUsers, fields)
	if err != nil {
		span.RecordError(err)
		return nil, sagaErr(KindRecord, fmt.Errorf("create profile: %w", err))
	}
	s.Log.Info().Str("user_id", id).Msg("profile created")
	return &ProfileResult{ID: repo.FormatValue(row["id"]), Created: true}, nil
}

// Get returns the profile with id.
func (s *ProfileService) Get(ctx context.Context, id string) (*domain.UserProfile, error) {
	rows, err := s.Store.Select(ctx, domain.CollectionUsers, repo.Filter{"id": id})
	if err != nil {
		return nil, sagaErr(KindRecord, fmt.Errorf("load profile: %w", err))
	}
	if len(rows) == 0 {
		return nil, repo.ErrNotFound
	}
	var p domain.UserProfile
	if err := repo.Decode(rows[0], &p); err != nil {
		return nil, sagaErr(KindRecord, err)
	}
	return &p, nil
}
