package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrFatalStartup - provisioning or tunnel setup failed before a session existed (release resources, exit non-zero)
	ErrFatalStartup = errors.New("fatal startup error")

	// ErrTransient - transient error (retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrUnreachable - control plane could not be reached or answered 5xx/404 on registration (retry with backoff)
	ErrUnreachable = fmt.Errorf("control plane unreachable: %w", ErrTransient)

	// ErrRemoteRejected - control plane answered with a non-retryable status
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrSessionLost - control plane no longer knows the session id (re-register)
	ErrSessionLost = errors.New("session lost")

	// ErrResourceCrash - the compute resource exited on its own (drain)
	ErrResourceCrash = errors.New("resource crashed")

	// ErrInvalidInput - invalid input or configuration (fail fast)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrConflict - another instance holds the state lock
	ErrConflict = errors.New("conflict")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
