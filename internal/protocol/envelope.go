package protocol

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
)

// EnvelopeAction distinguishes the first version of an object from a new
// version of a known one.
type EnvelopeAction string

const (
	EnvelopeCreate EnvelopeAction = "CREATE"
	EnvelopeUpdate EnvelopeAction = "UPDATE"
)

func (a EnvelopeAction) Valid() bool {
	return a == EnvelopeCreate || a == EnvelopeUpdate
}

// Status correlates requests and replies, per envelope and per frame.
type Status string

const (
	StatusRequest Status = "request"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Envelope is the wire unit of a push.
type Envelope struct {
	Action EnvelopeAction `json:"action"`
	Status Status         `json:"status"`
	Data   *models.Object `json:"data"`
}

func NewRequestEnvelope(action EnvelopeAction, obj *models.Object) Envelope {
	return Envelope{Action: action, Status: StatusRequest, Data: obj}
}

func (e Envelope) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: action %q", common.ErrInvalidEnvelope, e.Action)
	}
	if e.Status != StatusRequest {
		return fmt.Errorf("%w: status %q", common.ErrInvalidEnvelope, e.Status)
	}
	if err := e.Data.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidEnvelope, err)
	}
	return nil
}

// ErrorKind classifies a per-item or per-frame failure.
type ErrorKind string

const (
	KindConflict     ErrorKind = "conflict"
	KindInvalid      ErrorKind = "invalid"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindUnknown      ErrorKind = "unknown_action"
	KindInternal     ErrorKind = "internal"
)

// Error travels inside replies instead of failing the whole call.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewError classifies err by the sentinel it wraps.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	kind := KindInternal
	switch {
	case errors.Is(err, common.ErrConflict):
		kind = KindConflict
	case errors.Is(err, common.ErrInvalidEnvelope), errors.Is(err, models.ErrInvalidObject),
		errors.Is(err, models.ErrTableMismatch), errors.Is(err, models.ErrProjectMismatch):
		kind = KindInvalid
	case errors.Is(err, common.ErrorNotFound):
		kind = KindNotFound
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		kind = KindUnauthorized
	case errors.Is(err, common.ErrUnknownAction):
		kind = KindUnknown
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// Err turns the wire error back into an error matching the sentinel of
// its kind.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	var base error
	switch e.Kind {
	case KindConflict:
		base = common.ErrConflict
	case KindInvalid:
		base = common.ErrInvalidEnvelope
	case KindNotFound:
		base = common.ErrorNotFound
	case KindUnauthorized:
		base = common.ErrorUnauthorized
	case KindUnknown:
		base = common.ErrUnknownAction
	default:
		base = common.ErrorInternal
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}
