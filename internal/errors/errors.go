// Package errors provides structured error types for the migration pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("conflicting operation in progress")
	ErrUnsupported  = errors.New("operation not supported by this backend")
	ErrPathEscape   = errors.New("path escapes workspace root")
)

// APIError represents an error from an external collaborator call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// PhaseError is a terminal pipeline failure: a phase exhausted its retries or
// produced an unrecoverable result. It carries the diagnosis shown to the user.
type PhaseError struct {
	Phase     string
	Diagnosis string
	Err       error
}

func (e *PhaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phase %s failed: %s: %v", e.Phase, e.Diagnosis, e.Err)
	}
	return fmt.Sprintf("phase %s failed: %s", e.Phase, e.Diagnosis)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// NewPhaseError creates a terminal phase failure.
func NewPhaseError(phase, diagnosis string, err error) *PhaseError {
	return &PhaseError{Phase: phase, Diagnosis: diagnosis, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Infrastructure-unavailable conditions are retryable; terminal phase failures
// and validation errors are not.
func IsRetryable(err error) bool {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsTerminal returns true if the error should mark the project failed rather
// than be surfaced as retryable.
func IsTerminal(err error) bool {
	var phaseErr *PhaseError
	return errors.As(err, &phaseErr)
}

// Diagnosis extracts the human-facing diagnosis from a terminal error, or the
// plain error string otherwise.
func Diagnosis(err error) string {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) && phaseErr.Diagnosis != "" {
		return phaseErr.Diagnosis
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
