package service

// Logging standards for peerchat.
//
// Use these exact field names so log lines from the listener, sender,
// sweeper, scheduler and pub/sub service can be joined on the same keys.
const (
	LogFieldMessageID   = "message_id"
	LogFieldScheduledID = "scheduled_id"
	LogFieldSender      = "sender"
	LogFieldReceiver    = "receiver"
	LogFieldTarget      = "target"
	LogFieldStatus      = "status"
	LogFieldRemoteAddr  = "remote_addr"
	LogFieldTopic       = "topic"
	LogFieldBody        = "message"

	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldDuration  = "duration_ms"
	LogFieldCount     = "count"
	LogFieldAttempt   = "attempt"

	// Admin HTTP server
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldPath       = "path"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldSize       = "response_size"
)

// Log Level Usage Guidelines
//
// DEBUG: per-record flow, wire exchanges, skipped scheduled records.
//
// INFO: node start/stop, listener bound, sweep and tick summaries.
//
// WARN: transport failures, malformed inbound payloads, notification
// failures, stale pending messages.
//
// ERROR: storage failures and rejected status transitions. A rejected
// transition is a correctness bug in the caller.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
