// Package bus is an in-process request/response message bus between
// isolated execution contexts.
//
// Each context is an Endpoint: a named mailbox with its own dispatcher
// goroutine and a table of handlers keyed by message type. Contexts never
// share memory; they exchange JSON-encoded Envelopes and receive exactly one
// Response per accepted request, correlated by the envelope ID.
//
// Guarantees:
//   - A request to an unknown or closed endpoint, or for a type the target has
//     no handler for, resolves immediately with a failure Response. It never
//     hangs.
//   - Requests from one sender to one target are dispatched in send order.
//   - At most one Response is delivered per request. A handler that panics
//     produces a single failure Response.
//
// Callers abandon a wait by cancelling the context passed to Future.Wait; the
// handler keeps running to completion.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope.
const ProtocolVersion = 1

// Envelope is a typed request sent to an endpoint.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	From    string          `json:"from,omitempty"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with a fresh correlation ID and the current
// timestamp, encoding payload as JSON.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bus: encode %s payload: %w", msgType, err)
		}
		data = b
	}
	return &Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (e *Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 {
		return errors.New("bus: empty payload")
	}
	return json.Unmarshal(e.Payload, target)
}

// ErrorKind classifies a failed Response.
type ErrorKind string

const (
	// KindUnreachable: the target endpoint does not exist or was closed.
	KindUnreachable ErrorKind = "unreachable"
	// KindNoHandler: the target has no handler for the message type.
	KindNoHandler ErrorKind = "no_handler"
	// KindBadRequest: the envelope or payload could not be decoded.
	KindBadRequest ErrorKind = "bad_request"
	// KindDuplicate: a request with the same correlation ID is already pending.
	KindDuplicate ErrorKind = "duplicate"
	// KindInternal: the handler failed without a more specific kind.
	KindInternal ErrorKind = "internal"
)

var (
	// ErrUnreachable matches responses of kind KindUnreachable.
	ErrUnreachable = errors.New("bus: target unreachable")
	// ErrNoHandler matches responses of kind KindNoHandler.
	ErrNoHandler = errors.New("bus: no handler")
	// ErrEndpointExists is returned by Open when the name is taken.
	ErrEndpointExists = errors.New("bus: endpoint already exists")
	// ErrClosed is returned by Open after Shutdown.
	ErrClosed = errors.New("bus: closed")
)

// Response is the single reply to an Envelope.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    ErrorKind       `json:"kind,omitempty"`
}

// Decode unmarshals the response data into out.
func (r Response) Decode(out any) error {
	if len(r.Data) == 0 {
		return errors.New("bus: empty response data")
	}
	return json.Unmarshal(r.Data, out)
}

// Err returns nil for a successful response and a *ResponseError otherwise.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &ResponseError{Kind: r.Kind, Message: r.Error}
}

// ResponseError is a failed Response surfaced as a Go error. It matches
// ErrUnreachable and ErrNoHandler through errors.Is.
type ResponseError struct {
	Kind    ErrorKind
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrNoHandler:
		return e.Kind == KindNoHandler
	}
	return false
}

// Kinded is implemented by handler errors that carry their own kind. The
// kind is copied onto the failure Response.
type Kinded interface {
	ErrorKind() string
}

func failure(kind ErrorKind, msg string) Response {
	return Response{Success: false, Kind: kind, Error: msg}
}

// failureFrom converts a handler error into a failure Response.
func failureFrom(err error) Response {
	var k Kinded
	if errors.As(err, &k) && k.ErrorKind() != "" {
		return failure(ErrorKind(k.ErrorKind()), err.Error())
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return failure(re.Kind, re.Message)
	}
	return failure(KindInternal, err.Error())
}
