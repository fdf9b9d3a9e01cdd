// Package errors provides the categorized error taxonomy used by the engines
// and the API layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/media-vault/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents network/rate-limit errors from a dependency;
	// always retried on the next sweep and never changes job state
	CategoryTransient ErrorCategory = "transient_dependency"
	// CategoryNotFoundUpstream represents a job unknown to the extraction worker
	CategoryNotFoundUpstream ErrorCategory = "not_found_upstream"
	// CategoryTerminalJob represents a failure the worker reported explicitly
	CategoryTerminalJob ErrorCategory = "terminal_job_failure"
	// CategoryStorage represents an object-store operation failure
	CategoryStorage ErrorCategory = "storage_operation"
	// CategoryInvariant represents an attempted violation of a retention invariant
	CategoryInvariant ErrorCategory = "invariant_violation"
	// CategoryValidation represents user input errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing local records
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDatabase represents persistence errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents everything else
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for API responses
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewTransientError wraps a network or availability failure of a dependency
func NewTransientError(dependency string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "DEPENDENCY_UNAVAILABLE",
		Message:    fmt.Sprintf("dependency unavailable: %s", dependency),
		Cause:      cause,
		Details: map[string]interface{}{
			"dependency": dependency,
		},
	}
}

// NewRateLimitedError indicates the dependency asked us to back off
func NewRateLimitedError(dependency string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusTooManyRequests,
		Code:       "DEPENDENCY_RATE_LIMITED",
		Message:    fmt.Sprintf("rate limited by dependency: %s", dependency),
		Details: map[string]interface{}{
			"dependency": dependency,
		},
	}
}

// NewNotFoundUpstreamError indicates the extraction worker does not know the job
func NewNotFoundUpstreamError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFoundUpstream,
		StatusCode: http.StatusNotFound,
		Code:       "JOB_NOT_FOUND_UPSTREAM",
		Message:    fmt.Sprintf("job unknown to extraction worker: %s", jobID),
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewTerminalJobError captures a failure the worker reported for a job
func NewTerminalJobError(jobID, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTerminalJob,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "JOB_FAILED",
		Message:    reason,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewStorageError wraps an object-store upload/delete failure
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvariantViolationError flags an attempt to touch an artifact the
// retention rules protect; structurally unreachable paths still reject it
func NewInvariantViolationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvariant,
		StatusCode: http.StatusConflict,
		Code:       "INVARIANT_VIOLATION",
		Message:    message,
	}
}

// NewValidationError creates a user input error
func NewValidationError(param, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a missing-record error
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewDatabaseError creates a persistence error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates a generic system error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// IsCategory reports whether err belongs to the given category
func IsCategory(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// IsTransient reports whether err should simply be retried on the next sweep
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsRetryable determines if an error is worth retrying at all
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransient, CategoryStorage, CategoryDatabase:
		return true
	default:
		return false
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
