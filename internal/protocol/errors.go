package protocol

import (
	"errors"
	"fmt"

	"expensedb/internal/core"
)

// ErrorKind is the machine readable error class carried by a response.
type ErrorKind string

const (
	KindOpenBlocked    ErrorKind = "open-blocked"
	KindNotInitialized ErrorKind = "not-initialized"
	KindDuplicate      ErrorKind = "duplicate-constraint"
	KindNotFound       ErrorKind = "not-found"
	KindStorage        ErrorKind = "storage-failure"
	KindInvalid        ErrorKind = "invalid-request"
)

var kinds = []struct {
	kind     ErrorKind
	sentinel error
}{
	{KindOpenBlocked, core.ErrOpenBlocked},
	{KindNotInitialized, core.ErrNotInitialized},
	{KindDuplicate, core.ErrDuplicate},
	{KindNotFound, core.ErrNotFound},
	{KindInvalid, core.ErrInvalid},
	{KindStorage, core.ErrStorage},
}

// KindOf classifies err by the core sentinel it wraps. Anything unclassified
// is a storage failure.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindStorage
}

// Sentinel returns the core error for kind. Unknown kinds map to
// core.ErrStorage.
func (k ErrorKind) Sentinel() error {
	for _, e := range kinds {
		if e.kind == k {
			return e.sentinel
		}
	}
	return core.ErrStorage
}

// RemoteError is a failure reported by the worker. It unwraps to the core
// sentinel for its kind, so errors.Is(err, core.ErrDuplicate) works on the
// host side.
type RemoteError struct {
	Op      Operation
	Kind    ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Kind.Sentinel()
}
