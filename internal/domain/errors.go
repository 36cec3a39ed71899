package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// InvalidSubscriptionError is returned synchronously for bad subscribe input.
// It is never retried.
type InvalidSubscriptionError struct {
	Field  string // "component_id", "data_type", "symbols", "stream_mode", "callback"
	Reason string
}

func (e *InvalidSubscriptionError) Error() string {
	return "invalid subscription [" + e.Field + "]: " + e.Reason
}

func (e *InvalidSubscriptionError) IsRetriable() bool {
	return false
}

// Is lets errors.Is(err, ErrInvalidSubscription) match any field.
func (e *InvalidSubscriptionError) Is(target error) bool {
	return target == ErrInvalidSubscription
}

// ConnectionLostError reports a dropped or stale socket. Recovery handles it;
// callers only see it through health status or one-shot send results.
type ConnectionLostError struct {
	Channel Channel
	Err     error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("%s connection lost: %v", e.Channel, e.Err)
}

func (e *ConnectionLostError) IsRetriable() bool {
	return true
}

func (e *ConnectionLostError) Unwrap() error {
	return e.Err
}

// AuthenticationError is raised by the private channel only.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) IsRetriable() bool {
	return false
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RateLimitExceededError marks an upstream 429 or vendor limit frame.
type RateLimitExceededError struct {
	Category RateCategory
	Detail   string
}

func (e *RateLimitExceededError) Error() string {
	if e.Detail == "" {
		return "rate limit exceeded: " + string(e.Category)
	}
	return "rate limit exceeded: " + string(e.Category) + ": " + e.Detail
}

func (e *RateLimitExceededError) IsRetriable() bool {
	return true
}

// CallbackError wraps an error returned (or a panic raised) by a subscriber callback.
type CallbackError struct {
	ComponentID string
	Err         error
	Panicked    bool
}

func (e *CallbackError) Error() string {
	if e.Panicked {
		return "callback panic [" + e.ComponentID + "]: " + e.Err.Error()
	}
	return "callback error [" + e.ComponentID + "]: " + e.Err.Error()
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidSubscription matches every *InvalidSubscriptionError via errors.Is.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrNotConnected is returned when a send is attempted on a socket that is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrHeartbeatTimeout is reported when no heartbeat is observed within the timeout.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrNoToken is returned when the private channel has no valid token to attach.
	ErrNoToken = errors.New("no valid token")

	// ErrClosed is returned by operations on a shut down manager or closed handle.
	ErrClosed = errors.New("closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
