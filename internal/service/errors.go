package service

import (
	"context"
	"errors"

	"github.com/rapidtriage/triage/internal/idp"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// Verification and policy errors. Each maps to a distinct reason code;
// handlers translate reasons to HTTP status codes.
var (
	ErrNoCredential       = errors.New("no credential")
	ErrUnrecognizedFormat = errors.New("unrecognized credential format")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrExpired            = errors.New("credential expired")
	ErrRevoked            = errors.New("credential revoked")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("invalid request")

	// ErrBackendUnavailable marks a store or provider fault. It is never a
	// policy decision: a denial means policy, this means infrastructure.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ReasonFor maps an error to its stable reason code. Unknown errors are
// treated as infrastructure faults, never as denials.
func ReasonFor(err error) model.Reason {
	switch {
	case errors.Is(err, ErrNoCredential):
		return model.ReasonNoCredential
	case errors.Is(err, ErrUnrecognizedFormat):
		return model.ReasonUnrecognizedFormat
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, idp.ErrInvalidToken):
		return model.ReasonInvalidSignature
	case errors.Is(err, ErrExpired):
		return model.ReasonExpired
	case errors.Is(err, ErrRevoked):
		return model.ReasonRevoked
	case errors.Is(err, store.ErrNotFound):
		return model.ReasonNotFound
	case errors.Is(err, ErrForbidden):
		return model.ReasonInsufficientScope
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.ReasonBackendUnavailable
	default:
		return model.ReasonBackendUnavailable
	}
}
