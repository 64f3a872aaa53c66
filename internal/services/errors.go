// Package services defines the business logic for try-on generation, user
// profiles, and image uploads. This file centralizes the service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// Failures are classified: every error a service returns for a predictable
// cause is a *SagaError carrying a machine-readable kind. The kind travels on
// bus responses unchanged, and translation into user-facing messages or HTTP
// status codes is performed at the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindInvalidRequest = "bad_request"
	KindQuotaExceeded  = "quota_exceeded"
	KindAsset          = "asset_error"
	KindRecord         = "record_error"
	KindBackend        = "backend_error"
)

var (
	// ErrInvalidRequest is returned before any side effect when a request
	// misses a required field or carries an invalid value.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrQuotaExceeded indicates that the identity has used its daily
	// generation allowance. Nothing was written.
	ErrQuotaExceeded = errors.New("daily generation limit exceeded")

	// ErrAsset indicates that an input image could not be fetched or
	// normalized. No record was created.
	ErrAsset = errors.New("asset error")

	// ErrRecord indicates that the record store rejected a write.
	ErrRecord = errors.New("record error")

	// ErrBackend indicates that the generation backend failed. The record
	// was moved to failed.
	ErrBackend = errors.New("backend error")
)

// SagaError is a classified service failure.
type SagaError struct {
	Kind string
	Err  error
}

func (e *SagaError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err.Error()
}

func (e *SagaError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *SagaError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

// ErrorKind reports the machine-readable kind.
func (e *SagaError) ErrorKind() string { return e.Kind }

func sentinel(kind string) error {
	switch kind {
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindAsset:
		return ErrAsset
	case KindRecord:
		return ErrRecord
	case KindBackend:
		return ErrBackend
	}
	return nil
}

func sagaErr(kind string, err error) *SagaError {
	return &SagaError{Kind: kind, Err: err}
}

func invalid(format string, args ...any) *SagaError {
	return sagaErr(KindInvalidRequest, fmt.Errorf(format, args...))
}

// KindOf returns the kind of a *SagaError in err's chain, or "".
func KindOf(err error) string {
	var se *SagaError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
