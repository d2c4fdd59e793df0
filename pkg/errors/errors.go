// Package errors provides the structured error type shared by the imagecore components.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Lookup and transfer
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// Image processing
	ErrCodeDecodeFailed ErrorCode = "DECODE_FAILED"
	ErrCodeEncodeFailed ErrorCode = "ENCODE_FAILED"

	// Secondary storage
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Resources
	ErrCodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"

	// State
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Operations
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransfer      ErrorCategory = "transfer"
	CategoryImage         ErrorCategory = "image"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrNotFound         = &CoreError{Code: ErrCodeNotFound}
	ErrFetchFailed      = &CoreError{Code: ErrCodeFetchFailed}
	ErrDecodeFailed     = &CoreError{Code: ErrCodeDecodeFailed}
	ErrCancelled        = &CoreError{Code: ErrCodeOperationCanceled}
	ErrCapacityExceeded = &CoreError{Code: ErrCodeCapacityExceeded}
	ErrInvalidConfig    = &CoreError{Code: ErrCodeInvalidConfig}
	ErrAlreadyStarted   = &CoreError{Code: ErrCodeAlreadyStarted}
	ErrStopped          = &CoreError{Code: ErrCodeComponentStopped}
)

// CoreError is a structured error with context and metadata.
type CoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *CoreError) Is(target error) bool {
	if other, ok := target.(*CoreError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CoreError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CoreError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with default category and retry hint for code.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap is shorthand for NewError(code, message).WithCause(cause).
func Wrap(cause error, code ErrorCode, message string) *CoreError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category from the code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeNotFound, ErrCodeFetchFailed:
		return CategoryTransfer
	case ErrCodeDecodeFailed, ErrCodeEncodeFailed:
		return CategoryImage
	case ErrCodeStorageRead, ErrCodeStorageWrite:
		return CategoryStorage
	case ErrCodeCapacityExceeded, ErrCodeMemoryUnavailable:
		return CategoryResource
	case ErrCodeAlreadyStarted, ErrCodeComponentStopped:
		return CategoryState
	case ErrCodeOperationCanceled, ErrCodeOperationTimeout:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a failure with code is worth retrying.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeOperationTimeout, ErrCodeStorageRead, ErrCodeStorageWrite:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CoreError) WithComponent(component string) *CoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CoreError) WithOperation(operation string) *CoreError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CoreError) WithCause(cause error) *CoreError {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first CoreError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsNotFound reports whether err carries NOT_FOUND.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsCancelled reports whether err is a cancellation, including context cancellation.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled) || stderrors.Is(err, context.Canceled)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
