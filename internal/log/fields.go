package log

import "time"

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldOperation   = "operation"
	FieldDatabase    = "database"
	FieldDuration    = "duration_ms"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorKind   = "error_kind"
	FieldEntityID    = "entity_id"
	FieldAmountCents = "amount_cents"
	FieldCategory    = "category"
	FieldQueue       = "queue"
	FieldRole        = "role"
	FieldState       = "state"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentStorage    = "storage"
	ComponentDispatcher = "dispatcher"
	ComponentWorker     = "worker"
	ComponentClient     = "client"
	ComponentTransport  = "transport"
	ComponentAMQP       = "amqp"
	ComponentCache      = "cache"
	ComponentProjection = "projection"
	ComponentCLI        = "cli"
)

// Operations defines standard lifecycle operation names
const (
	OpStartup  = "startup"
	OpShutdown = "shutdown"
	OpImport   = "import"
	OpValidate = "validate"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds the correlation id of a protocol request
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithDuration adds the elapsed time in milliseconds
func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

// WithExpense adds expense-related fields
func (f LogFields) WithExpense(amountCents, category int64) LogFields {
	f[FieldAmountCents] = amountCents
	f[FieldCategory] = category
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
