package narration

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrPayloadTooLarge means a chunk exceeded the backend ceiling. Always fatal.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrBackendThrottled means the backend rejected a call for rate reasons.
	ErrBackendThrottled = errors.New("backend throttled")
	// ErrBackendError covers transport failures and 5xx responses.
	ErrBackendError = errors.New("backend error")
	// ErrSynthesisFailed is the terminal request-level failure.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrPartialFailure is returned when some chunks of a multi-chunk request failed.
	ErrPartialFailure = errors.New("partial failure")
)

// ValidationError reports which field of a request was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ChunkError carries the originating chunk of a terminal failure.
type ChunkError struct {
	RequestID     string
	SequenceIndex int
	Attempts      int
	Err           error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d of %s failed after %d attempt(s): %v", e.SequenceIndex, e.RequestID, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// FailureError is the error surfaced to callers of the orchestrator. It
// matches ErrSynthesisFailed and, for multi-chunk requests, ErrPartialFailure.
type FailureError struct {
	RequestID   string
	ChunkCount  int
	FailedChunk int
	Cause       error
}

func (e *FailureError) Error() string {
	if e.ChunkCount > 1 {
		return fmt.Sprintf("synthesis failed for %s: partial failure at chunk %d/%d: %v", e.RequestID, e.FailedChunk+1, e.ChunkCount, e.Cause)
	}
	return fmt.Sprintf("synthesis failed for %s: %v", e.RequestID, e.Cause)
}

func (e *FailureError) Is(target error) bool {
	if target == ErrSynthesisFailed {
		return true
	}
	return target == ErrPartialFailure && e.ChunkCount > 1
}

func (e *FailureError) Unwrap() error { return e.Cause }

// Kind maps an error onto a short taxonomy label used in logs, metrics and
// bus replies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPartialFailure):
		return "partial_failure"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrBackendThrottled):
		return "backend_throttled"
	case errors.Is(err, ErrBackendError):
		return "backend_error"
	default:
		return "internal"
	}
}
