package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeAuth represents missing or expired sessions and rejected credentials
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents requests rejected by the generation guard
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTransient represents unreachable collaborators (mail, graph store, cache)
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeItem represents a single message that failed to parse or extract
	ErrorTypeItem ErrorType = "item"
	// ErrorTypePersist represents a failed final graph save
	ErrorTypePersist ErrorType = "persist"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// Is matches sentinel BaseErrors by type and message so that freshly
// constructed copies compare equal to the package-level values.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Auth Errors

// ErrUnauthenticated is returned when no valid session exists for a user.
// Callers must re-authenticate rather than retry.
var ErrUnauthenticated = NewBaseError(ErrorTypeAuth, "no valid session, please login again", nil)

// ErrInvalidCode is returned when the authorization code is invalid or expired
var ErrInvalidCode = NewBaseError(ErrorTypeAuth, "invalid or expired code", nil)

// ErrNoRefreshToken is returned when the identity provider did not grant offline access
var ErrNoRefreshToken = NewBaseError(ErrorTypeAuth, "no refresh token returned", nil)

// NewUnauthenticated wraps the cause of a failed session lookup
func NewUnauthenticated(userID string, err error) *BaseError {
	return NewBaseError(ErrorTypeAuth, ErrUnauthenticated.Message, fmt.Errorf("user %s: %w", userID, orNoSession(err)))
}

func orNoSession(err error) error {
	if err == nil {
		return stderrors.New("session not found")
	}
	return err
}

// Rate limit Errors

// ErrRateLimited is returned when the generation cooldown has not elapsed
type ErrRateLimited struct {
	*BaseError
	UserID     string
	RetryAfter time.Duration
}

func NewRateLimited(userID string, retryAfter time.Duration) *ErrRateLimited {
	return &ErrRateLimited{
		BaseError:  NewBaseError(ErrorTypeRateLimit, fmt.Sprintf("please wait %s between generations", retryAfter.Round(time.Second)), nil),
		UserID:     userID,
		RetryAfter: retryAfter,
	}
}

// ErrAlreadyRunning is returned when a generation is already in progress for the user
type ErrAlreadyRunning struct {
	*BaseError
	UserID string
	RunID  string
}

func NewAlreadyRunning(userID, runID string) *ErrAlreadyRunning {
	return &ErrAlreadyRunning{
		BaseError: NewBaseError(ErrorTypeRateLimit, "graph generation already in progress", nil),
		UserID:    userID,
		RunID:     runID,
	}
}

// Transient Errors

// ErrTransientIO is returned when a collaborator could not be reached.
// Safe to retry with backoff; the core never retries on its own.
type ErrTransientIO struct {
	*BaseError
	Operation string
}

func NewTransientIO(operation string, err error) *ErrTransientIO {
	return &ErrTransientIO{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("%s failed", operation), err),
		Operation: operation,
	}
}

// Item Errors

// ErrItemFailed records a single message that could not be processed
type ErrItemFailed struct {
	*BaseError
	MessageID string
	Stage     string
}

func NewItemFailed(messageID, stage string, err error) *ErrItemFailed {
	return &ErrItemFailed{
		BaseError: NewBaseError(ErrorTypeItem, fmt.Sprintf("message %s failed at %s", messageID, stage), err),
		MessageID: messageID,
		Stage:     stage,
	}
}

// Persist Errors

// ErrPersistFailed is returned when the final graph save fails. No partial graph is written.
type ErrPersistFailed struct {
	*BaseError
	UserID string
}

func NewPersistFailed(userID string, err error) *ErrPersistFailed {
	return &ErrPersistFailed{
		BaseError: NewBaseError(ErrorTypePersist, "failed to save graph", err),
		UserID:    userID,
	}
}

// Context Errors

// ErrContextCancelled is returned when context is cancelled
type ErrContextCancelled struct {
	*BaseError
	Operation string
}

func NewContextCancelled(operation string, err error) *ErrContextCancelled {
	return &ErrContextCancelled{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Config Errors

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if t, ok := err.(interface{ errorType() ErrorType }); ok && t.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

func (e *BaseError) errorType() ErrorType {
	return e.Type
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	// Re-authentication is required, retrying cannot help
	if IsErrorType(err, ErrorTypeAuth) {
		return false
	}
	return IsErrorType(err, ErrorTypeTransient) ||
		IsErrorType(err, ErrorTypeRateLimit) ||
		IsErrorType(err, ErrorTypePersist)
}
