// Package errors provides the standardized error taxonomy for the
// notification engine. Synchronous callers receive Validation, NotFound,
// Conflict and Config errors directly; RateLimit and Delivery errors are
// recorded on queue items and drive the retry policy.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindRateLimit  Kind = "RATE_LIMIT"
	KindDelivery   Kind = "DELIVERY"
	KindConfig     Kind = "CONFIG"
)

// Error is a structured application error.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// RetryAfter is set on rate-limit errors: how long the caller
	// should defer before attempting the send again.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s[%s]: %s (%s)", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// ==========================
// Constructors
// ==========================

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(message, details string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "VALIDATION_FAILED",
		Message: message,
		Details: details,
	}
}

// NewMissingVariablesError reports every template variable absent from the
// supplied data in a single error.
func NewMissingVariablesError(names []string) *Error {
	return &Error{
		Kind:     KindValidation,
		Code:     "MISSING_VARIABLES",
		Message:  fmt.Sprintf("missing required variables: %s", strings.Join(names, ", ")),
		Metadata: map[string]interface{}{"missing": names},
	}
}

// NewNotFoundError creates a non-retryable missing-resource error.
func NewNotFoundError(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "RESOURCE_NOT_FOUND",
		Message: fmt.Sprintf("%s not found", resource),
		Details: fmt.Sprintf("id: %s", id),
	}
}

// NewConflictError creates a non-retryable conflict error, e.g. deleting a
// template still referenced by pending queue items.
func NewConflictError(message, details string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    "CONFLICT",
		Message: message,
		Details: details,
	}
}

// NewRateLimitError creates a retryable quota-exhausted error carrying the
// duration until the platform quota resets.
func NewRateLimitError(sender string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       "RATE_LIMITED",
		Message:    "message quota exhausted",
		Details:    fmt.Sprintf("sender: %s", sender),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewDeliveryError creates a retryable external-platform delivery error.
func NewDeliveryError(channel string, err error) *Error {
	return &Error{
		Kind:      KindDelivery,
		Code:      "DELIVERY_FAILED",
		Message:   fmt.Sprintf("%s delivery failed", channel),
		Details:   err.Error(),
		Retryable: true,
		cause:     err,
	}
}

// NewConfigError creates a non-retryable configuration error, e.g. no active
// sender configured for a channel.
func NewConfigError(message string) *Error {
	return &Error{
		Kind:    KindConfig,
		Code:    "CONFIG_INVALID",
		Message: message,
	}
}

// ==========================
// Predicates
// ==========================

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsValidation(err error) bool { return isKind(err, KindValidation) }
func IsNotFound(err error) bool   { return isKind(err, KindNotFound) }
func IsConflict(err error) bool   { return isKind(err, KindConflict) }
func IsRateLimit(err error) bool  { return isKind(err, KindRateLimit) }
func IsDelivery(err error) bool   { return isKind(err, KindDelivery) }
func IsConfig(err error) bool     { return isKind(err, KindConfig) }

// IsRetryable reports whether a failed operation may be retried under the
// backoff policy.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Unknown failures default to retryable so a transient fault does not
	// permanently strand a queue item before its retry budget is spent.
	return true
}

// RetryAfter extracts the retry-after hint from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
