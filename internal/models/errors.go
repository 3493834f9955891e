package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or chunk does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotRetryable is returned when retry is requested for a document that is not in a retryable state.
	ErrNotRetryable = errors.New("document is not retryable")
	// ErrInvalidTransition is returned when a status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyDocument is returned when extraction yields no text at all.
	ErrEmptyDocument = errors.New("document contains no extractable text")
	// ErrInvalidInput is returned for malformed caller input (missing question, bad filename, ...).
	ErrInvalidInput = errors.New("invalid input")
)

// ExtractionError reports unsupported or unreadable input. It is never retried automatically.
type ExtractionError struct {
	ContentType string
	Reason      string
	Err         error
}

func (e *ExtractionError) Error() string {
	msg := "extraction failed"
	if e.ContentType != "" {
		msg += " (" + e.ContentType + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError reports an embedding provider failure. Transient errors
// (rate limits, timeouts, unavailable provider) may be retried with backoff.
type EmbeddingError struct {
	Transient bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding failed (%s): %v", kind, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError reports a vector database failure.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index %s failed: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// QueryError reports a query-time capability failure. Retryable errors may succeed on a later attempt.
type QueryError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient embedding error.
func IsTransient(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Transient
}

// FailureDetail renders err as the short detail string stored on a failed document.
func FailureDetail(err error) string {
	if err == nil {
		return ""
	}
	var (
		extErr *ExtractionError
		embErr *EmbeddingError
		idxErr *IndexError
	)
	switch {
	case errors.As(err, &extErr):
		return extErr.Error()
	case errors.As(err, &embErr):
		return embErr.Error()
	case errors.As(err, &idxErr):
		return idxErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "processing timed out: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "processing interrupted: " + err.Error()
	}
	return err.Error()
}
