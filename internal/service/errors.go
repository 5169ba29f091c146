package service

import (
	"errors"
	"fmt"

	"go-batch-download/internal/governor"
	"go-batch-download/internal/queue"
	"go-batch-download/internal/resolver"
	"go-batch-download/internal/transfer"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrEmptyBatch        = errors.New("batch contains no locators")
	ErrSearchUnavailable = errors.New("history search is not configured")

	// Re-exported so callers only need this package.
	ErrInvalidLocator     = resolver.ErrInvalidLocator
	ErrBatchLimitExceeded = queue.ErrBatchLimitExceeded
	ErrQueueFull          = queue.ErrQueueFull
	ErrInvalidTransition  = transfer.ErrInvalidTransition
)

// InvalidLocatorError points at the offending entry of a rejected batch.
type InvalidLocatorError struct {
	Index   int
	Locator string
	Err     error
}

func (e *InvalidLocatorError) Error() string {
	return fmt.Sprintf("locator %d (%q): %v", e.Index, e.Locator, e.Err)
}

func (e *InvalidLocatorError) Unwrap() error { return e.Err }

// Error codes for caller-facing errors. Job failure codes live in the
// transfer package.
const (
	CodeBatchLimitExceeded      = "BATCH_LIMIT_EXCEEDED"
	CodeQueueFull               = "QUEUE_FULL"
	CodeNotFound                = "NOT_FOUND"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeConcurrencyLimitReached = "CONCURRENCY_LIMIT_REACHED"
	CodeDailyQuotaExceeded      = "DAILY_QUOTA_EXCEEDED"
	CodeSearchUnavailable       = "SEARCH_UNAVAILABLE"
	CodeInternal                = "INTERNAL_ERROR"
)

// ErrorCode maps any error returned by this package to a stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBatchLimitExceeded):
		return CodeBatchLimitExceeded
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrEmptyBatch):
		return CodeInvalidRequest
	case errors.Is(err, ErrSearchUnavailable):
		return CodeSearchUnavailable
	case errors.Is(err, governor.ErrConcurrencyLimitReached):
		return CodeConcurrencyLimitReached
	case errors.Is(err, governor.ErrDailyQuotaExceeded):
		return CodeDailyQuotaExceeded
	}
	if code := transfer.ErrorCode(err); code != transfer.CodeIOError {
		return code
	}
	return CodeInternal
}
