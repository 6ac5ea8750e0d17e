package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message)).
		WithContext("field", field)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewStorageError creates a storage error with operation context
func NewStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorage, fmt.Sprintf("storage %s failed", operation)).
		WithContext("operation", operation)
}

// NewTransitionError reports an illegal status transition on a ledger record.
func NewTransitionError(table string, id int64, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("%s record %d cannot move from %s to %s", table, id, from, to)).
		WithContext("table", table).
		WithContext("id", id).
		WithContext("from", from).
		WithContext("to", to)
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource string, id int64) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %d not found", resource, id)).
		WithContext("resource", resource).
		WithContext("id", id)
}

// NewTransportError wraps a dial/read/write failure against a peer.
func NewTransportError(target, operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("%s %s failed", operation, target)).
		WithContext("target", target).
		WithContext("operation", operation)
}

// NewProtocolError reports a malformed frame or payload.
func NewProtocolError(message string, err error) *AppError {
	if err == nil {
		return New(ErrCodeProtocol, message)
	}
	return Wrap(err, ErrCodeProtocol, message)
}

// NewBrokerError wraps a pub/sub broker failure.
func NewBrokerError(operation, topic string, err error) *AppError {
	return WrapRetryable(err, ErrCodeBroker, fmt.Sprintf("broker %s failed", operation)).
		WithContext("operation", operation).
		WithContext("topic", topic)
}
