package lexchat

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned synchronously for calls that cannot start,
// such as a send with neither body nor attachment.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNotFound is returned when an operation names a message the store does not hold.
var ErrNotFound = errors.New("not found")

// APIError represents an error reported by the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// AuthError is returned when the session credential is absent or rejected at
// handshake. It is never retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// TransportError is a socket-level failure that outlived the retry policy.
type TransportError struct {
	Transport string
	Attempts  int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed after %d attempts: %v", e.Transport, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BlockedError is returned before any network call when the counterpart is blocked.
type BlockedError struct {
	CounterpartID string
}

func (e *BlockedError) Error() string {
	return "blocked: messages to " + e.CounterpartID + " are disabled"
}

// TimeoutError is a durable write that exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return e.Op + ": timed out: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError is a durable write that failed before a response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ReconciliationWarning describes a duplicate or out-of-order event the store
// resolved. It is logged and counted, never returned to callers.
type ReconciliationWarning struct {
	Kind      string
	MessageID string
	Detail    string
}

func (w *ReconciliationWarning) Error() string {
	return "reconcile " + w.Kind + " " + w.MessageID + ": " + w.Detail
}

// IsRetriable reports whether err is a durable-write failure the user may retry.
func IsRetriable(err error) bool {
	var te *TimeoutError
	var ne *NetworkError
	return errors.As(err, &te) || errors.As(err, &ne)
}
