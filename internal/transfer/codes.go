package transfer

import (
	"context"
	"errors"

	"go-batch-download/internal/downloader"
	"go-batch-download/internal/resolver"
	"go-batch-download/internal/upstream"
)

// Stable error codes recorded on failed jobs.
const (
	CodeInvalidLocator      = "INVALID_LOCATOR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeIntegrity           = "INTEGRITY_CHECK_FAILED"
	CodeIOError             = "IO_ERROR"
	CodeWorkerFault         = "WORKER_FAULT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeCancelled           = "CANCELLED"
)

// ErrorCode maps a job execution error to its code. Unknown errors are
// reported as IO_ERROR since anything else reaching here came from the
// transfer path.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resolver.ErrInvalidLocator):
		return CodeInvalidLocator
	case errors.Is(err, downloader.ErrIntegrity):
		return CodeIntegrity
	case errors.Is(err, resolver.ErrUpstreamUnavailable),
		upstream.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrWorkerPanic):
		return CodeWorkerFault
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	}
	return CodeIOError
}
