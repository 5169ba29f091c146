package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-batch-download/internal/downloader"
	"go-batch-download/internal/models"
	"go-batch-download/internal/resolver"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// ErrWorkerPanic wraps a recovered panic from a job run.
var ErrWorkerPanic = errors.New("worker fault")

// Resolver looks up file metadata for a locator.
type Resolver interface {
	Resolve(ctx context.Context, loc models.Locator) (models.FileMetadata, error)
}

// Transferer moves bytes for a job and finalizes the result.
type Transferer interface {
	Transfer(ctx context.Context, req downloader.Request) (downloader.Result, error)
	Finalize(jobID string, meta models.FileMetadata) (string, error)
	Discard(jobID string)
	Acknowledged(jobID string) int64
}

// Reporter receives copies of the job as it changes. Calls come from the
// executing goroutine and must not block for long.
type Reporter interface {
	StateChanged(job models.Job)
	Progress(job models.Job, speed float64)
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeRetry
	OutcomeFailed
	OutcomePaused
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomePaused:
		return "paused"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is how one admission of a job ended.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration // for OutcomeRetry
	Err   error
}

// Executor runs a single admission of a job.
type Executor struct {
	Resolver        Resolver
	Transferer      Transferer
	Backoff         Backoff
	Clock           clock.Clock
	ResolveTimeout  time.Duration
	TransferTimeout time.Duration
	SpeedWindow     time.Duration
}

func (e *Executor) now() time.Time {
	return e.Clock.Now().UTC()
}

// Execute drives job from Queued to Completed, or stops at the first retry,
// failure, pause or cancellation. The caller owns job for the duration of
// the call; job is mutated in place. Cancel ctx with ErrPaused or
// ErrCancelled as the cause to stop a running job.
func (e *Executor) Execute(ctx context.Context, job *models.Job, report Reporter) (out Outcome) {
	logger := log.WithFields(log.Fields{"job": job.ID, "batch": job.BatchID})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Recovered from panic while executing job: %v", r)
			job.BytesTransferred = e.Transferer.Acknowledged(job.ID)
			out = e.retry(job, fmt.Errorf("%w: %v", ErrWorkerPanic, r), report)
		}
	}()

	if err := e.move(job, models.StateResolving, report); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	// Resolving
	rctx, cancel := withTimeout(ctx, e.ResolveTimeout)
	meta, err := e.Resolver.Resolve(rctx, job.Locator)
	cancel()
	if stop, ok := e.stopped(ctx, job, report); ok {
		return stop
	}
	if err != nil {
		if errors.Is(err, resolver.ErrInvalidLocator) {
			return e.fail(job, err, report)
		}
		return e.retry(job, err, report)
	}
	if job.Metadata != nil && !sameContent(*job.Metadata, meta) {
		logger.Infof("Upstream file changed since the last attempt, discarding %d partial bytes", job.BytesTransferred)
		e.Transferer.Discard(job.ID)
		job.BytesTransferred = 0
	}
	resolved := meta
	job.Metadata = &resolved
	job.TotalBytes = meta.Size

	if err := e.move(job, models.StateTransferring, report); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	// Transferring
	speed := NewSpeedWindow(e.SpeedWindow)
	tctx, cancel := withTimeout(ctx, e.TransferTimeout)
	res, err := e.Transferer.Transfer(tctx, downloader.Request{
		JobID:    job.ID,
		URL:      meta.DownloadURL,
		Expected: meta.Size,
		OnStart: func(offset int64, restarted bool) {
			if restarted {
				job.NonResumableRetries++
				logger.Warnf("Upstream does not support resume, restarting from zero (non-resumable retry %d)", job.NonResumableRetries)
			}
			job.BytesTransferred = offset
			job.UpdatedAt = e.now()
			speed.Add(job.UpdatedAt, offset)
			report.Progress(*job, 0)
		},
		OnProgress: func(total int64) {
			now := e.now()
			job.BytesTransferred = total
			job.UpdatedAt = now
			speed.Add(now, total)
			report.Progress(*job, speed.Rate(now))
		},
	})
	cancel()
	if stop, ok := e.stopped(ctx, job, report); ok {
		return stop
	}
	if err != nil {
		if errors.Is(err, downloader.ErrIntegrity) {
			e.Transferer.Discard(job.ID)
			job.BytesTransferred = 0
			return e.fail(job, err, report)
		}
		job.BytesTransferred = e.Transferer.Acknowledged(job.ID)
		return e.retry(job, err, report)
	}
	job.BytesTransferred = res.Bytes
	if job.TotalBytes < 0 {
		// Published snapshots share job.Metadata, so replace it rather than write through it.
		meta.Size = res.Total
		sized := meta
		job.TotalBytes = res.Total
		job.Metadata = &sized
	}

	path, err := e.Transferer.Finalize(job.ID, meta)
	if err != nil {
		if errors.Is(err, downloader.ErrIntegrity) {
			e.Transferer.Discard(job.ID)
			job.BytesTransferred = 0
			return e.fail(job, err, report)
		}
		return e.retry(job, err, report)
	}
	job.OutputPath = path
	job.LastError, job.LastErrorCode = "", ""
	if err := e.move(job, models.StateCompleted, report); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	logger.Infof("Job completed: %s", path)
	return Outcome{Kind: OutcomeCompleted}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sameContent(a, b models.FileMetadata) bool {
	if a.Size != b.Size {
		return false
	}
	if (a.Checksum == nil) != (b.Checksum == nil) {
		return false
	}
	return a.Checksum == nil || *a.Checksum == *b.Checksum
}

func (e *Executor) move(job *models.Job, to models.State, report Reporter) error {
	if err := Transition(job, to, e.now()); err != nil {
		log.WithField("job", job.ID).WithError(err).Error("Illegal transition attempted by executor")
		return err
	}
	report.StateChanged(*job)
	return nil
}

// stopped checks whether the job was paused or cancelled from outside.
func (e *Executor) stopped(ctx context.Context, job *models.Job, report Reporter) (Outcome, bool) {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCancelled):
		e.Transferer.Discard(job.ID)
		job.BytesTransferred = 0
		_ = e.move(job, models.StateCancelled, report)
		return Outcome{Kind: OutcomeCancelled}, true
	case errors.Is(cause, ErrPaused):
		job.BytesTransferred = e.Transferer.Acknowledged(job.ID)
		_ = e.move(job, models.StatePaused, report)
		return Outcome{Kind: OutcomePaused}, true
	case cause != nil:
		// Shutdown: leave the job queued so it is picked up after restart.
		job.BytesTransferred = e.Transferer.Acknowledged(job.ID)
		_ = e.move(job, models.StateQueued, report)
		return Outcome{Kind: OutcomeRetry, Err: cause}, true
	}
	return Outcome{}, false
}

func (e *Executor) fail(job *models.Job, err error, report Reporter) Outcome {
	job.LastError = err.Error()
	job.LastErrorCode = ErrorCode(err)
	log.WithFields(log.Fields{"job": job.ID, "code": job.LastErrorCode}).WithError(err).Error("Job failed")
	_ = e.move(job, models.StateFailed, report)
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// retry records a transient failure. The job goes back to Queued, or to
// Failed once the retry budget is spent.
func (e *Executor) retry(job *models.Job, err error, report Reporter) Outcome {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, resolver.ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: attempt timed out: %v", resolver.ErrUpstreamUnavailable, err)
	}
	job.RetryCount++
	job.LastError = err.Error()
	job.LastErrorCode = ErrorCode(err)

	if e.Backoff.Exhausted(job.RetryCount) {
		log.WithFields(log.Fields{"job": job.ID, "retries": job.RetryCount}).WithError(err).Error("Retries exhausted")
		_ = e.move(job, models.StateFailed, report)
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	delay := e.Backoff.Delay(job.RetryCount - 1)
	log.WithFields(log.Fields{"job": job.ID, "retry": job.RetryCount, "delay": delay}).WithError(err).Warn("Transient failure, will retry")
	_ = e.move(job, models.StateQueued, report)
	return Outcome{Kind: OutcomeRetry, Delay: delay, Err: err}
}
