package service

import (
	"time"

	"go-batch-download/internal/governor"
	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// SweepExpired drops batches whose jobs all finished more than the
// retention period before now. Files on disk and the history index are
// left alone. It returns the number of batches removed.
func (s *Service) SweepExpired(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	var expired []models.Batch
	for id, b := range s.batches {
		latest, done := s.finishedAtLocked(b)
		if !done || !latest.Before(cutoff) {
			continue
		}
		expired = append(expired, *b)
		delete(s.batches, id)
		for _, jobID := range b.JobIDs {
			delete(s.jobs, jobID)
		}
	}
	s.mu.Unlock()

	for _, b := range expired {
		s.agg.Forget(b.ID)
		if err := s.store.DeleteBatch(b); err != nil {
			log.WithError(err).Errorf("Failed to delete expired batch %s", b.ID)
		}
	}
	if len(expired) > 0 {
		log.Infof("Retention sweep removed %d expired batches", len(expired))
	}
	return len(expired)
}

// finishedAtLocked reports when the last job of b finished, and whether
// every job has.
func (s *Service) finishedAtLocked(b *models.Batch) (time.Time, bool) {
	var latest time.Time
	for _, id := range b.JobIDs {
		rec, ok := s.jobs[id]
		if !ok {
			continue
		}
		rec.mu.Lock()
		running := rec.running
		rec.mu.Unlock()
		snap := rec.snap.Load()
		if running || !snap.State.IsTerminal() {
			return time.Time{}, false
		}
		if snap.FinishedAt.After(latest) {
			latest = snap.FinishedAt
		}
	}
	return latest, true
}

func (s *Service) sweepLoop(interval time.Duration) {
	defer s.bg.Done()
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(s.now())
		}
	}
}

// Usage is a caller's plan consumption and the load of the shared pool.
type Usage struct {
	governor.Usage
	Queued      int `json:"queued"`      // the caller's jobs waiting for a slot
	QueueDepth  int `json:"queue_depth"` // every caller's
	Workers     int `json:"workers"`
	WorkersBusy int `json:"workers_busy"`
}

// Usage reports a caller's plan consumption.
func (s *Service) Usage(callerID string) Usage {
	u := Usage{
		Usage:       s.governor.Usage(callerID),
		Workers:     s.pool.Size(),
		WorkersBusy: s.pool.Busy(),
	}
	for _, e := range s.queue.Snapshot() {
		u.QueueDepth++
		if e.CallerID == callerID {
			u.Queued++
		}
	}
	return u
}

// SetWorkers resizes the worker pool. Busy slots above the new size finish
// their current job first.
func (s *Service) SetWorkers(n int) {
	if n <= 0 || n == s.pool.Size() {
		return
	}
	s.pool.Resize(n)
}
