package client

import (
	"errors"

	"expensedb/internal/core"
	"expensedb/internal/transport"
)

const retryMessage = "Something went wrong, please try again."

// Describe turns an error from the client into text fit for an end user.
// Caller mistakes get an actionable message; faults outside the user's
// control get a generic retry notice.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrDuplicate):
		return "Duplicate name or color, choose a different one."
	case errors.Is(err, core.ErrNotFound):
		return "That record does not exist. It may have been deleted."
	case errors.Is(err, core.ErrNotInitialized):
		return "The database is not open yet."
	case errors.Is(err, core.ErrInvalid):
		return "The request was not valid: " + err.Error()
	case errors.Is(err, transport.ErrClosed):
		return "The storage worker is not running, please restart."
	default:
		// open-blocked, storage failures and timeouts
		return retryMessage
	}
}
