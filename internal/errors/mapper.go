package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorMapper maps external errors to the runit error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements runit error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps transport and runtime errors to runit error categories
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate context cancellation as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	// Already classified
	if m.Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrUnreachable)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("network error: %v: %w", err, ErrUnreachable)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no such"):
		return fmt.Errorf("resource not found: %w", ErrNotFound)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrUnreachable)

	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "eof"):
		return fmt.Errorf("network error: %w", ErrUnreachable)

	case strings.Contains(errStr, "conflict"), strings.Contains(errStr, "already exists"):
		return fmt.Errorf("conflict: %w", ErrConflict)

	default:
		return fmt.Errorf("internal error: %v: %w", err, ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the runit error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrFatalStartup):
		return "ErrFatalStartup"
	case errors.Is(err, ErrUnreachable):
		return "ErrUnreachable"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrRemoteRejected):
		return "ErrRemoteRejected"
	case errors.Is(err, ErrSessionLost):
		return "ErrSessionLost"
	case errors.Is(err, ErrResourceCrash):
		return "ErrResourceCrash"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory wraps an error and tags it with a runit category.
// Both the original error and the category remain matchable with errors.Is.
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %w", message, category, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Unreachable wraps error as control plane unreachable
func Unreachable(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnreachable)
}

// RemoteRejected wraps error as rejected by the control plane
func RemoteRejected(message string) error {
	return fmt.Errorf("%s: %w", message, ErrRemoteRejected)
}

// SessionLost wraps error as a session the control plane no longer knows
func SessionLost(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSessionLost)
}

// ResourceCrash wraps error as a resource that exited on its own
func ResourceCrash(message string) error {
	return fmt.Errorf("%s: %w", message, ErrResourceCrash)
}

// FatalStartup wraps error as a fatal startup failure
func FatalStartup(err error, message string) error {
	return WrapWithCategory(err, message, ErrFatalStartup)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable checks if an error is transient or conflict related, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
