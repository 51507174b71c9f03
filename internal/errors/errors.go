// Package errors provides structured error types for tailroute.
// All errors include a category, code, message, and retryable flag so hosts can
// tell catalog, provisioning and routing failures apart.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryProvision  ErrorCategory = "PROVISION"
	ErrCategoryRouting    ErrorCategory = "ROUTING"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidEntity = "INVALID_ENTITY"

	// Catalog codes
	CodeCatalogUnavailable = "UNAVAILABLE"
	CodeDiscoveryFailed    = "DISCOVERY_FAILED"

	// Provision codes
	CodeDDLFailed        = "DDL_FAILED"
	CodeProvisionTimeout = "TIMEOUT"
	CodeTemplateNotFound = "TEMPLATE_NOT_FOUND"

	// Routing codes
	CodeInvalidKey    = "INVALID_KEY"
	CodeLockCancelled = "LOCK_CANCELLED"
	CodeUnknownEntity = "UNKNOWN_ENTITY"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TailrouteError is the structured error type used throughout the module.
type TailrouteError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TailrouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TailrouteError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TailrouteError) Is(target error) bool {
	var t *TailrouteError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TailrouteError.
func New(category ErrorCategory, code, message string) *TailrouteError {
	return &TailrouteError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TailrouteError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TailrouteError {
	return &TailrouteError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TailrouteError) WithDetails(details map[string]interface{}) *TailrouteError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetDetails returns the details of the first TailrouteError in the chain.
func GetDetails(err error) map[string]interface{} {
	var e *TailrouteError
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TailrouteError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TailrouteError.
func GetCategory(err error) ErrorCategory {
	var te *TailrouteError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TailrouteError.
func GetCode(err error) string {
	var te *TailrouteError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryCatalog && code == CodeCatalogUnavailable:
		return true
	case category == ErrCategoryProvision && code == CodeDDLFailed:
		return true
	case category == ErrCategoryProvision && code == CodeProvisionTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TailrouteError {
	return New(ErrCategoryValidation, code, message)
}

func NewCatalogError(code, message string, cause error) *TailrouteError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewProvisionError(code, message string, cause error) *TailrouteError {
	return Wrap(ErrCategoryProvision, code, message, cause)
}

func NewRoutingError(code, message string) *TailrouteError {
	return New(ErrCategoryRouting, code, message)
}

func NewConfigError(message string, cause error) *TailrouteError {
	return Wrap(ErrCategoryConfig, CodeInvalidConfig, message, cause)
}

func NewInternalError(message string, cause error) *TailrouteError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
