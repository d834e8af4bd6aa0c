// Package util provides utility functions and types shared by the gateway
// and REST cores.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrAuth.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., HTTPError, RateLimitError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrConnection         = errors.New("connection error")
	ErrAuth               = errors.New("authentication failed")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrHTTP               = errors.New("http error")
	ErrServer             = errors.New("server error")
	ErrShutdown           = errors.New("shut down")
	ErrTimeout            = errors.New("timeout")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrConfigInvalid      = errors.New("invalid configuration")
)

// ConnectionError is a transient transport failure. Gateway connection errors
// are retried through the connect queue; REST connection errors are retried
// once.
type ConnectionError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("connection error during %s", e.Op)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConnectionError) Is(target error) bool {
	if target == ErrConnection {
		return true
	}
	_, ok := target.(*ConnectionError)
	return ok
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(op string, cause error) *ConnectionError {
	return &ConnectionError{Op: op, Cause: cause}
}

// AuthError is a fatal gateway or REST authentication failure. The session is
// torn down and never retried.
type AuthError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("authentication failed (%d)", e.Code)
}

// Is checks if the error matches the target.
func (e *AuthError) Is(target error) bool {
	if target == ErrAuth {
		return true
	}
	_, ok := target.(*AuthError)
	return ok
}

// NewAuthError creates a new AuthError.
func NewAuthError(code int, reason string) *AuthError {
	return &AuthError{Code: code, Reason: reason}
}

// FatalCloseError is a gateway close that must not be retried for reasons
// other than authentication (bad shard, disallowed intents, ...).
type FatalCloseError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *FatalCloseError) Error() string {
	return fmt.Sprintf("gateway closed with fatal code %d: %s", e.Code, e.Reason)
}

// Is checks if the error matches the target.
func (e *FatalCloseError) Is(target error) bool {
	_, ok := target.(*FatalCloseError)
	return ok
}

// SessionInvalidatedError reports that the server rejected the stored
// session. A fresh identify recovers from it.
type SessionInvalidatedError struct {
	Code      int
	Resumable bool
}

// Error implements the error interface.
func (e *SessionInvalidatedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("session invalidated (%d)", e.Code)
	}
	return fmt.Sprintf("session invalidated (resumable=%t)", e.Resumable)
}

// Is checks if the error matches the target.
func (e *SessionInvalidatedError) Is(target error) bool {
	if target == ErrSessionInvalidated {
		return true
	}
	_, ok := target.(*SessionInvalidatedError)
	return ok
}

// RateLimitError is surfaced only when a configured maximum wait or attempt
// count is exceeded; ordinary 429s are absorbed by the buckets.
type RateLimitError struct {
	Route      string
	Global     bool
	RetryAfter time.Duration
	Attempts   int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%s rate limit exceeded on %s after %d attempts, retry after %v",
		scope, e.Route, e.Attempts, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(route string, global bool, retryAfter time.Duration, attempts int) *RateLimitError {
	return &RateLimitError{Route: route, Global: global, RetryAfter: retryAfter, Attempts: attempts}
}

// HTTPError is a non-429 4xx response. Message carries the platform's
// flattened error payload.
type HTTPError struct {
	Method     string
	Route      string
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return formatResponseError(e.Method, e.Route, e.StatusCode, e.Code, e.Message)
}

// Is checks if the error matches the target.
func (e *HTTPError) Is(target error) bool {
	if target == ErrHTTP {
		return true
	}
	_, ok := target.(*HTTPError)
	return ok
}

// ServerError is a 5xx response that was still failing after its retry.
type ServerError struct {
	Method     string
	Route      string
	StatusCode int
	Message    string
	Body       []byte
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return formatResponseError(e.Method, e.Route, e.StatusCode, 0, e.Message)
}

// Is checks if the error matches the target.
func (e *ServerError) Is(target error) bool {
	if target == ErrServer {
		return true
	}
	_, ok := target.(*ServerError)
	return ok
}

func formatResponseError(method, route string, status, code int, message string) string {
	msg := fmt.Sprintf("%s %s: %d", method, route, status)
	if code != 0 {
		msg += fmt.Sprintf(" (code %d)", code)
	}
	if message != "" {
		msg += ": " + message
	}
	return msg
}

// TimeoutError represents a timeout error.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Duration, e.Operation)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout || target == ErrConnection {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok || errors.Is(e.Cause, target)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasErrors reports whether any field error was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// IsRetryable checks if an error is transient and worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrShutdown),
		errors.Is(err, ErrHTTP):
		return false
	case errors.Is(err, ErrConnection),
		errors.Is(err, ErrServer),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrSessionInvalidated):
		return true
	}
	return false
}

// IsFatal reports whether err must end a gateway session without reconnecting.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	var fatal *FatalCloseError
	return errors.As(err, &fatal)
}
