package service

import (
	"context"

	"walink/internal/models"
	"walink/internal/privacy"
	"walink/internal/tracing"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogWithContext starts an entry carrying the request id, when there is one
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	entry := logrus.NewEntry(logger)
	if id := tracing.GetRequestID(ctx); id != "" {
		entry = entry.WithField(LogFieldRequestID, id)
	}
	return entry
}

// connectionFields identifies a connection in logs. User and instance ids are
// masked unless verbose logging is on.
func connectionFields(ctx context.Context, conn *models.Connection) logrus.Fields {
	if conn == nil {
		return logrus.Fields{}
	}
	fields := logrus.Fields{
		LogFieldConnectionID: conn.ID,
		LogFieldStatus:       string(conn.Status),
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldUserID] = conn.UserID
		fields[LogFieldInstanceID] = conn.InstanceID
	} else {
		fields[LogFieldUserID] = privacy.MaskUserID(conn.UserID)
		fields[LogFieldInstanceID] = privacy.MaskInstanceID(conn.InstanceID)
	}
	return fields
}
