package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"expensedb/internal/client"
	"expensedb/internal/protocol"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The worker rejected a request or a selftest step failed
	ExitCommandError = 2 // Bad arguments, unreadable files, invalid configuration
)

// Error codes used in structured output. Worker failures use the protocol
// error kind instead.
const (
	ErrCodeUsage     = "usage"
	ErrCodeConfig    = "config"
	ErrCodeTransport = "transport"
	ErrCodeImport    = "import"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics, kept off Writer so JSON stays parseable
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format. Text output
// uses data's String method when it has one.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case fmt.Stringer:
		fmt.Fprintln(f.Writer, v.String())
	case json.RawMessage:
		fmt.Fprintln(f.Writer, string(v))
	default:
		fmt.Fprintln(f.Writer, v)
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// RequestError reports a failed client call and returns the matching
// ExitError. Worker failures exit with ExitFailure, everything else with
// ExitCommandError.
func (f *OutputFormatter) RequestError(err error) error {
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		f.Error(string(remote.Kind), client.Describe(err), remote.Message)
		return WrapExitError(ExitFailure, string(remote.Op)+" failed", err)
	}
	f.Error(ErrCodeTransport, client.Describe(err), err.Error())
	return WrapExitError(ExitCommandError, "request failed", err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
