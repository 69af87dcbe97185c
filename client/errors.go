package client

import "fmt"

// TransportError is a connection-level failure: the server couldn't be
// reached or the connection dropped. Transport errors are retried according
// to the reconnection policy.
type TransportError struct {
	message string
	cause   error
}

// Error returns the error message for a TransportError.
func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying cause, if any.
func (e *TransportError) Unwrap() error {
	return e.cause
}

// NewTransportError returns a new error that is marked as a retryable
// transport failure.
func NewTransportError(cause error, formatString string, a ...interface{}) *TransportError {
	return &TransportError{message: fmt.Sprintf(formatString, a...), cause: cause}
}

// NewHandshakeTimeoutError returns the transport error used when the
// authentication handshake doesn't complete in time. A handshake timeout is
// treated exactly like any other transport loss.
func NewHandshakeTimeoutError() *TransportError {
	return &TransportError{message: "the authentication handshake timed out"}
}

// AuthError is a credential rejection. Unlike a transport failure it is
// terminal: the connection manager will not retry with the same token.
type AuthError struct {
	message string
}

// Error returns the error message for an AuthError.
func (e *AuthError) Error() string {
	return e.message
}

// NewAuthError returns a new error that is marked as an authentication
// rejection.
func NewAuthError(formatString string, a ...interface{}) *AuthError {
	return &AuthError{message: fmt.Sprintf(formatString, a...)}
}

// MutationPropagationError indicates that a durable mutation call failed
// after the optimistic local state had already been applied. The local state
// is not rolled back; the error is surfaced so the caller can decide what to
// do with the inconsistency.
type MutationPropagationError struct {
	Operation string
	cause     error
}

// Error returns the error message for a MutationPropagationError.
func (e *MutationPropagationError) Error() string {
	return fmt.Sprintf("the durable %s call failed after the local state was updated: %s", e.Operation, e.cause)
}

// Unwrap returns the underlying cause.
func (e *MutationPropagationError) Unwrap() error {
	return e.cause
}

// NewMutationPropagationError returns a new error marking a failed durable
// propagation of an optimistic mutation.
func NewMutationPropagationError(operation string, cause error) *MutationPropagationError {
	return &MutationPropagationError{Operation: operation, cause: cause}
}
