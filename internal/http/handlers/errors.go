package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tbourn/go-tryon-backend/internal/bus"
	"github.com/tbourn/go-tryon-backend/internal/services"
)

// Error codes returned in ErrorResponse.Code. Saga failure kinds are passed
// through unchanged so clients branch on the same values the bus carries.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeTimeout          = "timeout"
	ErrCodeInternal         = "internal_error"

	ErrCodeQuotaExceeded = services.KindQuotaExceeded
	ErrCodeAsset         = services.KindAsset
	ErrCodeRecord        = services.KindRecord
	ErrCodeBackend       = services.KindBackend
)

// statusFor maps a failed bus request to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var re *bus.ResponseError
	if errors.As(err, &re) {
		switch string(re.Kind) {
		case services.KindInvalidRequest:
			return http.StatusUnprocessableEntity, ErrCodeBadRequest
		case services.KindQuotaExceeded:
			return http.StatusTooManyRequests, ErrCodeQuotaExceeded
		case services.KindAsset:
			return http.StatusUnprocessableEntity, ErrCodeAsset
		case services.KindBackend:
			return http.StatusBadGateway, ErrCodeBackend
		case services.KindRecord:
			return http.StatusInternalServerError, ErrCodeRecord
		case string(bus.KindUnreachable), string(bus.KindNoHandler):
			return http.StatusServiceUnavailable, ErrCodeUnavailable
		}
		return http.StatusInternalServerError, ErrCodeInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrCodeTimeout
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
