// Package background is the orchestrating endpoint. It serves the public
// actions on the bus (generate a try-on, save a profile, upload an image,
// read usage and history) and runs each one to completion regardless of
// whether the caller is still waiting.
package background

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tryon-backend/internal/bus"
	"github.com/tbourn/go-tryon-backend/internal/quota"
	"github.com/tbourn/go-tryon-backend/internal/services"
)

// EndpointName is the bus name of the orchestrator.
const EndpointName = "background"

// Message types served by the orchestrator.
const (
	MsgGenerateTryOn = "generateTryOn"
	MsgSaveProfile   = "saveProfile"
	MsgUploadImage   = "uploadImage"
	MsgGetUsage      = "getUsage"
	MsgGetHistory    = "getHistory"
)

// UploadRequest carries an image as a data URL.
type UploadRequest struct {
	Image string `json:"image" validate:"required"`
}

// UploadResponse carries the normalized image.
type UploadResponse struct {
	ImageURL string `json:"imageUrl"`
}

// UserRequest names the identity for read-only actions.
type UserRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

// Service wires the handlers to the services they call.
type Service struct {
	TryOns   *services.TryOnService
	Profiles *services.ProfileService
	Uploads  *services.UploadService
	Quota    *quota.Service
	Validate *validator.Validate
	Log      zerolog.Logger

	// SagaTimeout bounds one generation run; 0 means no bound.
	SagaTimeout time.Duration
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Open registers the orchestrator on b.
func (s *Service) Open(b *bus.Bus) (*bus.Endpoint, error) {
	if s.Validate == nil {
		s.Validate = NewValidator()
	}
	return b.Open(EndpointName, s.Handlers())
}

// Handlers returns the orchestrator's message handlers.
func (s *Service) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		MsgGenerateTryOn: s.generateTryOn,
		MsgSaveProfile:   s.saveProfile,
		MsgUploadImage:   s.uploadImage,
		MsgGetUsage:      s.getUsage,
		MsgGetHistory:    s.getHistory,
	}
}

func (s *Service) generateTryOn(ctx context.Context, env *bus.Envelope) (any, error) {
	var req services.TryOnRequest
	if err := s.decode(env, &req); err != nil {
		return nil, err
	}
	if s.SagaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SagaTimeout)
		defer cancel()
	}
	s.Log.Debug().Str("request_id", env.ID).Str("from", env.From).Str("user_id", req.UserID).Msg("generateTryOn")
	return s.TryOns.Generate(ctx, req)
}

func (s *Service) saveProfile(ctx context.Context, env *bus.Envelope) (any, error) {
	var req services.ProfileRequest
	if err := s.decode(env, &req); err != nil {
		return nil, err
	}
	return s.Profiles.Save(ctx, req)
}

func (s *Service) uploadImage(ctx context.Context, env *bus.Envelope) (any, error) {
	var req UploadRequest
	if err := s.decode(env, &req); err != nil {
		return nil, err
	}
	ref, err := s.Uploads.Upload(ctx, req.Image)
	if err != nil {
		return nil, err
	}
	return UploadResponse{ImageURL: ref}, nil
}

func (s *Service) getUsage(ctx context.Context, env *bus.Envelope) (any, error) {
	var req UserRequest
	if err := s.decode(env, &req); err != nil {
		return nil, err
	}
	return s.Quota.Usage(ctx, req.UserID)
}

func (s *Service) getHistory(ctx context.Context, env *bus.Envelope) (any, error) {
	var req UserRequest
	if err := s.decode(env, &req); err != nil {
		return nil, err
	}
	return s.TryOns.History(ctx, req.UserID)
}

// decode parses and validates the payload. Failures are bad_request.
func (s *Service) decode(env *bus.Envelope, dst any) error {
	if err := env.ParsePayload(dst); err != nil {
		return badRequest(fmt.Sprintf("%s: malformed payload: %v", env.Type, err))
	}
	if err := s.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
			}
			return badRequest(fmt.Sprintf("%s: %s", env.Type, strings.Join(msgs, "; ")))
		}
		return badRequest(err.Error())
	}
	return nil
}

func badRequest(msg string) error {
	return &bus.ResponseError{Kind: bus.KindBadRequest, Message: msg}
}
