package errors

import (
	"github.com/sirupsen/logrus"
)

// LogFields returns the structured fields describing err
func LogFields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := As(err)
	if !ok {
		return fields
	}

	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// Log logs err on entry, at warn level when the failure is retryable and at
// error level otherwise
func Log(entry *logrus.Entry, err error, message string) {
	entry = entry.WithError(err).WithFields(LogFields(err))
	if IsRetryable(err) {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}
