package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTimeout             = errors.New("timeout")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrModelNotFound       = errors.New("model not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrExtractionAmbiguity = errors.New("ambiguous command marker")
	ErrGateConflict        = errors.New("another command is awaiting approval")
	ErrBudgetExceeded      = errors.New("context too large")
	ErrInternalError       = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeModel      ErrorType = "model"
	ErrorTypeRemote     ErrorType = "remote"
)

// OpError is a structured error for provider and executor operations
type OpError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "chat", "list_models", "ssh_exec")
	Target     string // Provider name or server alias
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *OpError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OpError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection || e.Type == ErrorTypeRemote
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrModelNotFound:
		return e.Type == ErrorTypeModel
	case ErrProviderUnavailable:
		// Auth and transport failures against an AI backend both surface as unavailable
		return e.Type == ErrorTypeAuth || e.Type == ErrorTypeConnection || e.Type == ErrorTypeAPI
	}

	return errors.Is(e.Err, target)
}

// NewOpError creates a new OpError
func NewOpError(errorType ErrorType, op, target string, err error) *OpError {
	return &OpError{
		Type:      errorType,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error and reclassifies it
func (e *OpError) WithStatusCode(code int) *OpError {
	e.StatusCode = code
	switch {
	case code == 429:
		e.Type = ErrorTypeRateLimit
	case code == 401 || code == 403:
		e.Type = ErrorTypeAuth
	case code == 404:
		e.Type = ErrorTypeModel
	case code == 408:
		e.Type = ErrorTypeTimeout
	}
	e.Retryable = isRetryable(e.Type)
	return e
}

// Only rate limiting is retried automatically; everything else is surfaced to the operator.
func isRetryable(errorType ErrorType) bool {
	return errorType == ErrorTypeRateLimit
}

// Helper functions

// WrapProviderError wraps an AI backend API error with its HTTP status
func WrapProviderError(op, provider string, err error, statusCode int) *OpError {
	return NewOpError(ErrorTypeAPI, op, provider, err).WithStatusCode(statusCode)
}

// WrapConnectionError wraps a connection error with context
func WrapConnectionError(op, target string, err error) error {
	return NewOpError(ErrorTypeConnection, op, target, err)
}

// WrapRemoteError wraps an SSH dial, auth or session failure against a server
func WrapRemoteError(op, server string, err error) error {
	return NewOpError(ErrorTypeRemote, op, server, err)
}

// WrapTimeoutError wraps a deadline error with context
func WrapTimeoutError(op, target string, err error) error {
	return NewOpError(ErrorTypeTimeout, op, target, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return errors.Is(err, ErrRateLimited)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		if opErr.Type == ErrorTypeAuth {
			return true
		}
		if opErr.Type == ErrorTypeRemote {
			return false
		}
		if opErr.StatusCode == 401 || opErr.StatusCode == 403 {
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "unable to authenticate")
}

// UserMessage renders an error as the single operator-visible chat message for it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return "Context too large: your latest message does not fit the model's context window even after dropping older history. Shorten it or /reset the session."
	case errors.Is(err, ErrGateConflict):
		return "Another command is still awaiting your decision. Approve or skip it first."
	case errors.Is(err, ErrRateLimited):
		return fmt.Sprintf("AI provider is rate limiting requests, giving up after retries: %v", err)
	case errors.Is(err, ErrModelNotFound):
		return fmt.Sprintf("AI model not available: %v. Use /models to list models.", err)
	case IsAuthError(err):
		return fmt.Sprintf("AI provider rejected the credentials: %v", err)
	case errors.Is(err, ErrProviderUnavailable):
		return fmt.Sprintf("AI provider unavailable: %v", err)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Timed out: %v", err)
	case errors.Is(err, ErrConnectionFailed):
		return fmt.Sprintf("Connection failed: %v", err)
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("Not found: %v", err)
	case errors.Is(err, ErrInvalidInput):
		return fmt.Sprintf("Invalid input: %v", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
