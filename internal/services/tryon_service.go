// Package services – TryOnService
//
// This file implements the try-on saga: a single generation run that checks
// the caller's daily quota, normalizes both input images through the helper
// context, records the run, invokes the generation backend, and finalizes
// the record. The steps have no shared transaction, so failures after the
// record exists are compensated by moving the record to failed.
//
// Steps run sequentially within one run; runs are independent and may
// overlap freely. The only shared mutable state is the usage counter, which
// the quota service guards on its own.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-tryon-backend/internal/artifact"
	"github.com/tbourn/go-tryon-backend/internal/domain"
	"github.com/tbourn/go-tryon-backend/internal/events"
	"github.com/tbourn/go-tryon-backend/internal/quota"
	"github.com/tbourn/go-tryon-backend/internal/repo"
)

// QuotaService is the quota contract the saga needs.
type QuotaService interface {
	CheckLimit(ctx context.Context, identity string) bool
	IncrementUsage(ctx context.Context, identity string) error
}

// AssetNormalizer fetches and re-encodes images in the helper context.
type AssetNormalizer interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Resize(ctx context.Context, data []byte, maxW, maxH int) ([]byte, error)
}

// Generator is the generation backend.
type Generator interface {
	Generate(ctx context.Context, garment, person []byte, prompt string) ([]byte, error)
}

// SagaState is the progress of one run.
type SagaState int

const (
	StateIdle SagaState = iota
	StateQuotaChecked
	StateAssetsReady
	StateRecordPending
	StateBackendInvoked
	StateCompleted
	StateFailed
)

func (s SagaState) String() string {
	switch s {
	case StateQuotaChecked:
		return "quota_checked"
	case StateAssetsReady:
		return "assets_ready"
	case StateRecordPending:
		return "record_pending"
	case StateBackendInvoked:
		return "backend_invoked"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// TryOnRequest starts a run. PersonImageURL may be empty, in which case the
// full-body image on the user's profile is used.
type TryOnRequest struct {
	UserID           string `json:"user_id"            validate:"required,max=64"`
	ClothingImageURL string `json:"clothing_image_url" validate:"required"`
	PersonImageURL   string `json:"person_image_url,omitempty"`
	WebsiteURL       string `json:"website_url,omitempty" validate:"omitempty,url"`
}

// TryOnResult is returned by a completed run.
type TryOnResult struct {
	ID             string    `json:"id"`
	OriginalImage  string    `json:"originalImage"`
	GeneratedImage string    `json:"generatedImage"`
	Timestamp      time.Time `json:"timestamp"`
}

// TryOnService runs the try-on saga.
type TryOnService struct {
	Store     repo.Store
	Quota     QuotaService
	Assets    AssetNormalizer
	Generator Generator
	Artifacts artifact.Sink
	Events    *events.Emitter
	Log       zerolog.Logger

	// Prompt is sent to the backend with both images.
	Prompt string
	// MaxWidth and MaxHeight bound both inputs before generation.
	MaxWidth, MaxHeight int
	// HistoryLimit caps History results; 0 means 50.
	HistoryLimit int
}

// sagaRun tracks one run for logs and spans.
type sagaRun struct {
	state SagaState
	id    string
	log   zerolog.Logger
	span  trace.Span
}

func (r *sagaRun) advance(s SagaState) {
	r.state = s
	r.span.AddEvent("saga." + s.String())
	r.log.Debug().Str("state", s.String()).Msg("saga state")
}

// Generate runs one try-on saga for req.
//
// Errors are *SagaError values: ErrInvalidRequest, ErrQuotaExceeded (no
// writes), ErrAsset (no record), ErrRecord, or ErrBackend (record failed).
// Usage accounting happens after completion and never fails the run.
func (s *TryOnService) Generate(ctx context.Context, req TryOnRequest) (*TryOnResult, error) {
	ctx, span := otel.Tracer("services/TryOnService").Start(ctx, "Generate",
		trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer span.End()

	start := time.Now()
	run := &sagaRun{
		log:  s.Log.With().Str("component", "tryon_saga").Str("user_id", req.UserID).Logger(),
		span: span,
	}

	res, err := s.run(ctx, run, req)

	outcome := StateCompleted.String()
	if err != nil {
		outcome = KindOf(err)
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		run.log.Warn().Err(err).Str("kind", outcome).Str("state", run.state.String()).Msg("try-on failed")
	} else {
		run.log.Info().Str("tryon_id", res.ID).Dur("elapsed", time.Since(start)).Msg("try-on completed")
	}
	span.SetAttributes(attribute.String("saga.state", run.state.String()), attribute.String("saga.outcome", outcome))
	sagaRuns.WithLabelValues(outcome).Inc()
	sagaDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (s *TryOnService) run(ctx context.Context, run *sagaRun, req TryOnRequest) (*TryOnResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ClothingImageURL = strings.TrimSpace(req.ClothingImageURL)
	req.PersonImageURL = strings.TrimSpace(req.PersonImageURL)
	if req.UserID == "" {
		return nil, invalid("%w: user_id is required", ErrInvalidRequest)
	}
	if req.ClothingImageURL == "" {
		return nil, invalid("%w: clothing_image_url is required", ErrInvalidRequest)
	}

	// 1. quota
	if !s.Quota.CheckLimit(ctx, req.UserID) {
		return nil, sagaErr(KindQuotaExceeded,
			errors.New("daily generation limit exceeded, please try again tomorrow"))
	}
	run.advance(StateQuotaChecked)

	// 2. assets
	personRef := req.PersonImageURL
	if personRef == "" {
		ref, err := s.profileImage(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		personRef = ref
	}
	garment, err := s.normalize(ctx, req.ClothingImageURL)
	if err != nil {
		return nil, sagaErr(KindAsset, fmt.Errorf("clothing image: %w", err))
	}
	person, err := s.normalize(ctx, personRef)
	if err != nil {
		return nil, sagaErr(KindAsset, fmt.Errorf("person image: %w", err))
	}
	run.advance(StateAssetsReady)

	// 3. record
	row, err := s.Store.Create(ctx, domain.CollectionTryOns, repo.Row{
		"user_id":            req.UserID,
		"original_image_url": req.ClothingImageURL,
		"website_url":        req.WebsiteURL,
		"status":             domain.StatusProcessing,
	})
	if err != nil {
		return nil, sagaErr(KindRecord, fmt.Errorf("create record: %w", err))
	}
	run.id = repo.FormatValue(row["id"])
	run.log = run.log.With().Str("tryon_id", run.id).Logger()
	run.span.SetAttributes(attribute.String("tryon.id", run.id))
	run.advance(StateRecordPending)

	// 4. backend
	run.advance(StateBackendInvoked)
	out, err := s.Generator.Generate(ctx, garment, person, s.Prompt)
	if err != nil {
		return nil, s.fail(ctx, run, req, KindBackend, fmt.Errorf("generation failed: %w", err))
	}

	// 5. finalize
	ref, err := s.Artifacts.Put(ctx, run.id, out)
	if err != nil {
		return nil, s.fail(ctx, run, req, KindRecord, fmt.Errorf("store artifact: %w", err))
	}
	now := time.Now().UTC()
	rows, err := s.Store.Update(ctx, domain.CollectionTryOns,
		repo.Row{
			"status":              domain.StatusCompleted,
			"generated_image_url": ref,
			"completed_at":        now,
		},
		repo.Filter{"id": run.id, "status": domain.StatusProcessing},
	)
	if err == nil && len(rows) == 0 {
		err = fmt.Errorf("record %s is no longer processing", run.id)
	}
	if err != nil {
		return nil, s.fail(ctx, run, req, KindRecord, fmt.Errorf("complete record: %w", err))
	}
	run.advance(StateCompleted)

	if err := s.Quota.IncrementUsage(ctx, req.UserID); err != nil {
		level := zerolog.WarnLevel
		if errors.Is(err, quota.ErrLimitReached) {
			level = zerolog.InfoLevel
		}
		run.log.WithLevel(level).Err(err).Msg("usage increment not recorded")
	}
	_ = s.Events.Emit(ctx, events.Event{
		Type: events.TypeTryOnCompleted, TryOnID: run.id, UserID: req.UserID,
		Status: domain.StatusCompleted, Timestamp: now,
	})

	return &TryOnResult{
		ID:             run.id,
		OriginalImage:  req.ClothingImageURL,
		GeneratedImage: ref,
		Timestamp:      now,
	}, nil
}

// fail compensates a run whose record exists: the record is moved to failed
// with cause as its message. A compensation failure is logged and joined to
// cause.
func (s *TryOnService) fail(ctx context.Context, run *sagaRun, req TryOnRequest, kind string, cause error) error {
	run.advance(StateFailed)
	// Compensation must land even when the caller has gone away.
	cctx := context.WithoutCancel(ctx)

	rows, err := s.Store.Update(cctx, domain.CollectionTryOns,
		repo.Row{"status": domain.StatusFailed, "error_message": cause.Error()},
		repo.Filter{"id": run.id, "status": domain.StatusProcessing},
	)
	if err == nil && len(rows) == 0 {
		err = fmt.Errorf("record %s is no longer processing", run.id)
	}
	if err != nil {
		run.log.Error().Err(err).Msg("compensation failed; record left in processing")
		cause = errors.Join(cause, fmt.Errorf("compensation: %w", err))
	}
	_ = s.Events.Emit(cctx, events.Event{
		Type: events.TypeTryOnFailed, TryOnID: run.id, UserID: req.UserID,
		Status: domain.StatusFailed, Error: cause.Error(),
	})
	return sagaErr(kind, cause)
}

func (s *TryOnService) normalize(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.Assets.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	out, err := s.Assets.Resize(ctx, data, s.MaxWidth, s.MaxHeight)
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	return out, nil
}

// profileImage returns the full-body image reference on userID's profile.
func (s *TryOnService) profileImage(ctx context.Context, userID string) (string, error) {
	rows, err := s.Store.Select(ctx, domain.CollectionUsers, repo.Filter{"id": userID})
	if err != nil {
		return "", sagaErr(KindAsset, fmt.Errorf("load profile: %w", err))
	}
	profiles, err := repo.DecodeAll[profileImages](rows)
	if err != nil {
		return "", sagaErr(KindAsset, fmt.Errorf("load profile: %w", err))
	}
	if len(profiles) == 0 || profiles[0].FullBodyImageURL == "" {
		return "", sagaErr(KindAsset, errors.New("no full-body image on the user's profile"))
	}
	return profiles[0].FullBodyImageURL, nil
}

type profileImages struct {
	FullBodyImageURL string `json:"full_body_image_url"`
}

// History returns the user's runs, newest first.
func (s *TryOnService) History(ctx context.Context, userID string) ([]domain.TryOn, error) {
	ctx, span := otel.Tracer("services/TryOnService").Start(ctx, "History",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("%w: user_id is required", ErrInvalidRequest)
	}
	rows, err := s.Store.Select(ctx, domain.CollectionTryOns, repo.Filter{"user_id": userID})
	if err != nil {
		span.RecordError(err)
		return nil, sagaErr(KindRecord, fmt.Errorf("list records: %w", err))
	}
	items, err := repo.DecodeAll[domain.TryOn](rows)
	if err != nil {
		return nil, sagaErr(KindRecord, err)
	}
	slices.Reverse(items)

	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
