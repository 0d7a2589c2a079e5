package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Kind represents different categories of operation errors
type Kind string

const (
	// KindValidation represents bad input rejected before any side effect
	KindValidation Kind = "validation"
	// KindSecurity represents untrusted content rejected by a safety check
	KindSecurity Kind = "security"
	// KindDatabaseRestore represents a phase-local database restore failure
	KindDatabaseRestore Kind = "database_restore"
	// KindFileRestore represents a phase-local file restore failure
	KindFileRestore Kind = "file_restore"
	// KindEncryption represents key mismatch or corrupt ciphertext
	KindEncryption Kind = "encryption"
	// KindTransientLock represents a temporarily locked or read-only datastore
	KindTransientLock Kind = "transient_lock"
	// KindStorage represents artifact storage failures
	KindStorage Kind = "storage"
	// KindConfiguration represents invalid or missing configuration
	KindConfiguration Kind = "configuration"
	// KindTimeout represents a bounded operation exceeding its deadline
	KindTimeout Kind = "timeout"
	// KindNotFound represents a missing record or artifact
	KindNotFound Kind = "not_found"
	// KindInterruption represents caller cancellation
	KindInterruption Kind = "interruption"
	// KindUnknown represents unclassified errors
	KindUnknown Kind = "unknown"
)

// AppError represents an operation error with machine-readable kind and context
type AppError struct {
	Kind        Kind
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the caller may retry after correcting conditions
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new application error
func New(kind Kind, message string, cause error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverable creates a new recoverable error
func NewRecoverable(kind Kind, message string, cause error) *AppError {
	e := New(kind, message, cause)
	e.Recoverable = true
	return e
}

// Taxonomy constructors

// NewValidationError reports bad input rejected before any side effect
func NewValidationError(message string, cause error) *AppError {
	e := New(KindValidation, message, cause)
	e.Recoverable = true
	e.UserMessage = "Your input is invalid: " + message
	return e
}

// NewSecurityViolation reports untrusted content rejected for safety; never retried
func NewSecurityViolation(message string, cause error) *AppError {
	e := New(KindSecurity, message, cause)
	e.UserMessage = "This content was rejected for safety: " + message
	return e
}

// NewDatabaseRestoreError reports a phase-local database restore failure
func NewDatabaseRestoreError(message string, cause error) *AppError {
	e := New(KindDatabaseRestore, message, cause)
	e.UserMessage = "The operation failed partway: " + message
	return e
}

// NewFileRestoreError reports a phase-local file restore failure
func NewFileRestoreError(message string, cause error) *AppError {
	e := New(KindFileRestore, message, cause)
	e.UserMessage = "The operation failed partway: " + message
	return e
}

// NewEncryptionError reports key mismatch or corrupt ciphertext; fatal, no retry
func NewEncryptionError(message string, cause error) *AppError {
	return New(KindEncryption, message, cause)
}

// NewTransientLockError reports a temporarily locked datastore; safe to retry after a delay
func NewTransientLockError(message string, cause error) *AppError {
	return NewRecoverable(KindTransientLock, message, cause)
}

// NewStorageError reports an artifact storage failure
func NewStorageError(message string, cause error) *AppError {
	return New(KindStorage, message, cause)
}

// NewConfigurationError reports invalid or missing configuration
func NewConfigurationError(message string, cause error) *AppError {
	return New(KindConfiguration, message, cause)
}

// NewNotFoundError reports a missing record or artifact
func NewNotFoundError(message string, cause error) *AppError {
	return New(KindNotFound, message, cause)
}

// NewTimeoutError reports a bounded operation exceeding its deadline
func NewTimeoutError(message string, cause error) *AppError {
	return New(KindTimeout, message, cause)
}

// KindOf extracts the error kind, defaulting to KindUnknown
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify wraps arbitrary errors into an AppError with best-effort classification
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverable(KindTimeout, "operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return New(KindInterruption, "operation was canceled", err)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return New(KindNotFound, fmt.Sprintf("file or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return New(KindStorage, fmt.Sprintf("permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return New(KindStorage, "no space left on device", err)
		}
	}

	return New(KindUnknown, "an unexpected error occurred", err)
}

// ValidationErrors represents a collection of field-level validation failures
type ValidationErrors []FieldError

// FieldError represents one field-level validation failure
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e FieldError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for recoverable errors
type RetryHandler struct {
	config RetryConfig
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{config: config}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function, retrying recoverable errors with exponential backoff
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return New(KindInterruption, "operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := Classify(err)

		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		delay := rh.calculateDelay(attempt)

		select {
		case <-ctx.Done():
			return New(KindInterruption, "operation canceled during retry", ctx.Err())
		case <-time.After(delay):
		}
	}

	return Classify(lastErr).WithContext("attempts", rh.config.MaxAttempts)
}

func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}
