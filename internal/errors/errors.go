// Package errors provides structured error types for pikaboard.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotConnected     = errors.New("not connected to gateway")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRunActive        = errors.New("a chat run is already active")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidInput     = errors.New("invalid input")
)

// RPCError represents an explicit failure payload returned by the gateway
// for a correlated request.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed (%s): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// ConnectError wraps a failure to open the underlying socket.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionClosed)
}
