package service

import (
	"context"
	"errors"

	"bench-history/internal/history"
	"bench-history/internal/model"
)

// ErrorKind groups errors by how a caller should react to them
type ErrorKind int

const (
	// ErrorInternal is a storage or unexpected failure
	ErrorInternal ErrorKind = iota
	// ErrorInvalid means the request itself was rejected
	ErrorInvalid
	// ErrorNotFound means the suite has no history
	ErrorNotFound
	// ErrorUnavailable means the repository is closed or the request was cancelled
	ErrorUnavailable
)

// Classify maps err onto an ErrorKind
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorInternal
	case errors.Is(err, model.ErrValidation), errors.Is(err, history.ErrInvalidSuite):
		return ErrorInvalid
	case errors.Is(err, history.ErrSuiteNotFound):
		return ErrorNotFound
	case errors.Is(err, history.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorUnavailable
	default:
		return ErrorInternal
	}
}

// RejectReason is the low-cardinality label used when counting rejected runs
func RejectReason(err error) string {
	switch {
	case errors.Is(err, history.ErrToolMismatch):
		return "tool_mismatch"
	case errors.Is(err, history.ErrUnitMismatch):
		return "unit_mismatch"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, history.ErrInvalidSuite):
		return "invalid_suite"
	default:
		return "storage"
	}
}
