package errors

import (
	"github.com/sirupsen/logrus"
)

// Fields returns the structured log fields carried by err
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := As(err)
	if !ok {
		return fields
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		if k == "value" {
			continue
		}
		fields[k] = v
	}
	return fields
}

// LogError logs err on entry at error level, or warn level when it is retryable
func LogError(entry *logrus.Entry, err error, message string) {
	e := entry.WithError(err).WithFields(Fields(err))
	if IsRetryable(err) {
		e.Warn(message)
		return
	}
	e.Error(message)
}
