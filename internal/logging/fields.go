package logging

// Standardized attribute keys. Using the constants keeps log lines
// queryable across components.
const (
	FieldComponent  = "component"
	FieldEventType  = "event_type"
	FieldMethod     = "method"
	FieldRequestID  = "request_id"
	FieldGeneration = "generation"
	FieldTopic      = "topic"
	FieldHandleID   = "handle_id"
	FieldState      = "state"
	FieldAttempt    = "attempt"
	FieldPID        = "pid"
	FieldErrorHint  = "error_hint"
	FieldImpact     = "impact"
)
