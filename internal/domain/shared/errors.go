// Package shared contains common domain types, errors and events
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState = errors.New("invalid state")

	// Authorization errors. Anything that requires the user to reconnect
	// a provider is reported with the ErrAuthorization kind.
	ErrAuthorization = errors.New("authorization failed")

	// Persistence errors
	ErrPersistence = errors.New("persistence failure")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "calendar", "progression", "scheduling"
	Op      string // Operation that failed, e.g., "ListEvents", "ClaimAndScore"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Calendar domain errors
var (
	ErrCalendarAccessDenied  = NewDomainError("calendar", "Fetch", ErrAuthorization, "calendar access denied, reconnection required")
	ErrCalendarNotConnected  = NewDomainError("calendar", "Resolve", ErrCalendarAccessDenied, "no calendar connected")
	ErrCalendarUnavailable   = NewDomainError("calendar", "Fetch", ErrServiceUnavailable, "calendar provider is unavailable")
	ErrCalendarInvalidFormat = NewDomainError("calendar", "Parse", ErrExternalService, "calendar feed could not be parsed")
)

// Classification errors
var (
	ErrClassifierAccessDenied = NewDomainError("classifier", "Classify", ErrAuthorization, "classifier rejected credentials")
	ErrClassifierUnavailable  = NewDomainError("classifier", "Classify", ErrServiceUnavailable, "classifier is unavailable")
	ErrClassifierRateLimited  = NewDomainError("classifier", "Classify", ErrRateLimited, "classifier rate limit exceeded")
	ErrClassification         = NewDomainError("classifier", "Classify", ErrExternalService, "classification failed")
)

// Progression domain errors
var (
	ErrProgressNotFound  = NewDomainError("progression", "Find", ErrNotFound, "progress state not found")
	ErrProgressSave      = NewDomainError("progression", "ClaimAndScore", ErrPersistence, "failed to persist analysis result")
	ErrAnalysisBlocked   = NewDomainError("progression", "Analyze", ErrInvalidState, "analysis blocked until the calendar is reconnected")
	ErrInvalidTierLadder = NewDomainError("progression", "Validate", ErrInvalidInput, "tier thresholds must be strictly ascending and start at zero")
)

// Scheduling domain errors
var (
	ErrSlotFetch          = NewDomainError("scheduling", "FetchBusy", ErrExternalService, "failed to fetch busy intervals")
	ErrInvalidDuration    = NewDomainError("scheduling", "Validate", ErrInvalidInput, "duration must be positive")
	ErrInvalidWorkingHour = NewDomainError("scheduling", "Validate", ErrValueOutOfRange, "working hours must satisfy 0 <= start < end <= 24")
	ErrInvalidWindow      = NewDomainError("scheduling", "Validate", ErrInvalidInput, "end date must be after start date")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsAuthorization reports whether the user has to reconnect a provider.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrAuthorization)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrPersistence)
}
