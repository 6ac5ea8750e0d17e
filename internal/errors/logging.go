package errors

import (
	stderrors "errors"

	"github.com/sirupsen/logrus"
)

// Entry returns a log entry carrying err and, for AppErrors, its code and context.
func Entry(logger logrus.FieldLogger, err error) *logrus.Entry {
	entry := logger.WithError(err)

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})

		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}

	return entry
}

// LogError logs an error with structured context
func LogError(logger logrus.FieldLogger, err error, message string, fields ...logrus.Fields) {
	entry := Entry(logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Error(message)
}

// LogWarn logs a warning with structured context
func LogWarn(logger logrus.FieldLogger, err error, message string, fields ...logrus.Fields) {
	entry := Entry(logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func LogRetryableError(logger logrus.FieldLogger, err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		LogWarn(logger, err, message, fields...)
	} else {
		LogError(logger, err, message, fields...)
	}
}
