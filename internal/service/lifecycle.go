package service

import (
	"context"
	"fmt"
	"time"

	"go-batch-download/internal/models"
	"go-batch-download/internal/queue"
	"go-batch-download/internal/transfer"

	log "github.com/sirupsen/logrus"
)

// reporter publishes a running job's changes. It lives on the worker
// goroutine for a single execution.
type reporter struct {
	s         *Service
	rec       *record
	lastFlush time.Time
}

func (r *reporter) StateChanged(job models.Job) {
	snap := r.s.publishSnapshot(r.rec, job, 0)
	r.s.persistJob(job)
	r.lastFlush = r.s.now()
	r.s.feed.Publish(models.Event{
		Type:      models.EventJobState,
		JobID:     job.ID,
		BatchID:   job.BatchID,
		State:     job.State,
		Job:       snap,
		Timestamp: job.UpdatedAt,
	})
}

func (r *reporter) Progress(job models.Job, speed float64) {
	snap := r.s.publishSnapshot(r.rec, job, speed)
	now := r.s.now()
	if now.Sub(r.lastFlush) >= r.s.flushEvery {
		r.s.persistJob(job)
		r.lastFlush = now
	}
	r.s.feed.Publish(models.Event{
		Type:      models.EventJobProgress,
		JobID:     job.ID,
		BatchID:   job.BatchID,
		State:     job.State,
		Job:       snap,
		Timestamp: now,
	})
}

// run is the pool's RunFunc: one admission of one job.
func (s *Service) run(ctx context.Context, entry queue.Entry) {
	rec, err := s.record(entry.JobID)
	if err != nil {
		log.WithField("job", entry.JobID).Warn("Dequeued a job that no longer exists")
		return
	}

	rec.mu.Lock()
	if rec.running || rec.job.State != models.StateQueued {
		// Paused or cancelled between dequeue and now.
		rec.mu.Unlock()
		return
	}
	jctx, cancel := context.WithCancelCause(ctx)
	rec.running = true
	rec.cancel = cancel
	rec.done = make(chan struct{})
	job := rec.job
	rec.mu.Unlock()

	out := s.executor.Execute(jctx, &job, &reporter{s: s, rec: rec})
	cancel(nil)
	s.finishRun(ctx, rec, job, out)
}

// finishRun hands the job back to the service after an execution.
func (s *Service) finishRun(ctx context.Context, rec *record, job models.Job, out transfer.Outcome) {
	rec.mu.Lock()
	rec.job = job
	rec.running = false
	rec.cancel = nil
	close(rec.done)

	s.publishSnapshot(rec, job, 0)
	s.persistJob(job)

	logger := log.WithFields(log.Fields{"job": job.ID, "outcome": out.Kind.String()})
	switch out.Kind {
	case transfer.OutcomeRetry:
		switch {
		case ctx.Err() != nil:
			logger.Debug("Service stopping; job stays queued for the next start")
		case out.Delay > 0:
			logger.Debugf("Requeueing in %s", out.Delay)
			rec.retryTimer = s.clock.AfterFunc(out.Delay, func() { s.enqueue(rec) })
		default:
			s.enqueueLocked(rec)
		}
	}
	rec.mu.Unlock()

	if job.State.IsTerminal() {
		s.indexJob(job)
		s.checkBatch(job.BatchID)
	}
}

// recoverRun handles a panic that escaped run. The executor recovers its
// own panics, so this only fires for faults in the surrounding bookkeeping.
func (s *Service) recoverRun(entry queue.Entry, recovered any) {
	rec, err := s.record(entry.JobID)
	if err != nil {
		return
	}
	rec.mu.Lock()
	if !rec.running {
		rec.mu.Unlock()
		return
	}
	job := rec.job
	if rec.cancel != nil {
		rec.cancel(nil)
	}
	rec.mu.Unlock()

	job.State = models.StateQueued
	job.RetryCount++
	job.LastError = fmt.Sprintf("%v: %v", transfer.ErrWorkerPanic, recovered)
	job.LastErrorCode = transfer.CodeWorkerFault
	job.UpdatedAt = s.now()
	if s.executor.Backoff.Exhausted(job.RetryCount) {
		job.State = models.StateFailed
		job.FinishedAt = job.UpdatedAt
		s.finishRun(context.Background(), rec, job, transfer.Outcome{Kind: transfer.OutcomeFailed})
		return
	}
	s.finishRun(context.Background(), rec, job, transfer.Outcome{Kind: transfer.OutcomeRetry, Delay: s.executor.Backoff.Delay(job.RetryCount - 1)})
}

// Pause freezes a job, keeping its progress. A running job is stopped at
// the next chunk boundary; Pause returns once it has.
func (s *Service) Pause(jobID string) error {
	return s.interrupt(jobID, models.StatePaused, transfer.ErrPaused)
}

// Cancel stops a job for good and discards partial data.
func (s *Service) Cancel(jobID string) error {
	return s.interrupt(jobID, models.StateCancelled, transfer.ErrCancelled)
}

func (s *Service) interrupt(jobID string, to models.State, cause error) error {
	rec, err := s.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if !transfer.CanTransition(rec.job.State, to) {
		state := rec.job.State
		rec.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, state)
	}

	if rec.running {
		rec.cancel(cause)
		done := rec.done
		rec.mu.Unlock()
		<-done

		rec.mu.Lock()
		state := rec.job.State
		rec.mu.Unlock()
		if state == to {
			return nil
		}
		// The run ended some other way before it saw the request.
		return s.interrupt(jobID, to, cause)
	}

	s.queue.Remove(jobID)
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	if to == models.StateCancelled {
		s.dl.Discard(jobID)
		rec.job.BytesTransferred = 0
	}
	if err := transfer.Transition(&rec.job, to, s.now()); err != nil {
		rec.mu.Unlock()
		return err
	}
	job := rec.job
	snap := s.publishSnapshot(rec, job, 0)
	rec.mu.Unlock()

	s.persistJob(job)
	log.WithFields(log.Fields{"job": jobID, "state": to}).Info("Job state changed by caller")
	s.feed.Publish(models.Event{
		Type:      models.EventJobState,
		JobID:     job.ID,
		BatchID:   job.BatchID,
		State:     job.State,
		Job:       snap,
		Timestamp: job.UpdatedAt,
	})
	if job.State.IsTerminal() {
		s.indexJob(job)
		s.checkBatch(job.BatchID)
	}
	return nil
}

// Resume puts a paused job back on the queue at its original priority.
func (s *Service) Resume(jobID string) error {
	rec, err := s.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.job.State != models.StatePaused {
		state := rec.job.State
		rec.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, state)
	}
	err = s.queue.Enqueue(queue.Entry{JobID: rec.job.ID, CallerID: rec.job.CallerID, Priority: rec.job.Priority})
	if err != nil {
		rec.mu.Unlock()
		return err
	}
	if err := transfer.Transition(&rec.job, models.StateQueued, s.now()); err != nil {
		s.queue.Remove(jobID)
		rec.mu.Unlock()
		return err
	}
	job := rec.job
	snap := s.publishSnapshot(rec, job, 0)
	rec.mu.Unlock()

	s.persistJob(job)
	log.WithField("job", jobID).Info("Job resumed")
	s.feed.Publish(models.Event{
		Type:      models.EventJobState,
		JobID:     job.ID,
		BatchID:   job.BatchID,
		State:     job.State,
		Job:       snap,
		Timestamp: job.UpdatedAt,
	})
	return nil
}
