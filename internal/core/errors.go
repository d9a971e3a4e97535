package core

import "errors"

// Error kinds shared by both sides of the worker boundary. Storage wraps them
// with %w, the protocol carries them as a kind string, and the client maps the
// kind back so callers can use errors.Is.
var (
	// ErrOpenBlocked means another context holds the database (lock or schema
	// version mismatch). Retryable once the other context releases it.
	ErrOpenBlocked = errors.New("open blocked")

	// ErrNotInitialized is returned for any CRUD request before INITIALIZE.
	ErrNotInitialized = errors.New("not initialized")

	// ErrDuplicate is a unique index violation (category name or color).
	ErrDuplicate = errors.New("duplicate constraint")

	ErrNotFound = errors.New("not found")

	// ErrStorage wraps any underlying engine fault.
	ErrStorage = errors.New("storage failure")

	// ErrInvalid marks malformed requests: bad parameters, unknown
	// operations, missing ids on update.
	ErrInvalid = errors.New("invalid request")
)
