package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	FieldRequestID = "request_id"
	FieldUploadID  = "upload_id"
	FieldOwnerID   = "owner_id"
	FieldSearchID  = "search_id"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAttempt   = "attempt"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldErrorKind  = "error_kind"
)
