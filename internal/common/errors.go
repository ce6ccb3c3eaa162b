// Package common defines shared constants and sentinel errors used across
// client and server layers of digsync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound   = errors.New("not found")
	ErrStoreCorrupt = errors.New("local store corrupt")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned when a CREATE collides with an existing remote
	// uuid and the caller asked for errorIfAlreadySave.
	ErrConflict = errors.New("object already saved")

	// Protocol errors.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownAction   = errors.New("unknown action")
	ErrReplyMisaligned = errors.New("reply not aligned with request")

	// ErrNetworkUnavailable is the transport error kind: no channel could
	// carry the call.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// Auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
