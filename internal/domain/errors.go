package domain

import "errors"

// Error taxonomy surfaced to callers. Handlers map these to HTTP codes;
// everything else is an internal failure.
var (
	ErrValidation             = errors.New("validation error")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidReservation     = errors.New("invalid reservation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConflict               = errors.New("conflict")
	ErrNotFound               = errors.New("not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrExternalDependency     = errors.New("external dependency failure")
)
