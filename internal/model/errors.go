package model

import (
	"errors"
)

// Error kinds surfaced by the core. Callers classify with errors.Is; the
// HTTP layer maps them to status codes.
var (
	// ErrNotFound marks an unknown conversation or message id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a generation already in flight, or a structural
	// mutation that raced a delete.
	ErrConflict = errors.New("conflict")

	// ErrBackend marks an unreachable or misbehaving generation backend.
	ErrBackend = errors.New("backend error")

	// ErrValidation marks a malformed request.
	ErrValidation = errors.New("validation error")
)
