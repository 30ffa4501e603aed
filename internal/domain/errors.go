package domain

import "errors"

// Error kinds surfaced to callers. Stores and services wrap these with
// context so callers can branch with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrValidation         = errors.New("validation failed")
	ErrPersistence        = errors.New("persistence failure")
	ErrExternalDependency = errors.New("external dependency unavailable")
	ErrInvalidTransition  = errors.New("invalid job state transition")
)
