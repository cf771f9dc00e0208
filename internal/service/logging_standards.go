package service

// Logging Standards for walink
//
// This file defines standard field names and message patterns
// to keep the pairing and webhook logs consistent.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldConnectionID = "connection_id"
	LogFieldInstanceID   = "instance_id"
	LogFieldUserID       = "user_id"
	LogFieldRequestID    = "request_id"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"

	// Lifecycle fields
	LogFieldEvent  = "event"
	LogFieldPhase  = "phase"
	LogFieldStatus = "status"
	LogFieldState  = "state"
	LogFieldResult = "result"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldStatusCode = "status_code"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldURL        = "url"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldTraceID    = "trace_id"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: polling ticks, ignored webhook events, unchanged reconciliations.
// INFO: instance created, QR issued, link observed, attempt finished.
// WARN: retryable provider errors, dropped forwards, stale attempts failed.
// ERROR: store failures, non-retryable provider errors, panics in jobs.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
//
// logger.WithFields(logrus.Fields{
//     LogFieldConnectionID: conn.ID,
//     LogFieldInstanceID:   privacy.MaskInstanceID(conn.InstanceID),
//     LogFieldPhase:        PhaseQRDisplayed,
// }).Info("QR code issued")
