// Package progress computes read-side job and batch status and publishes
// change events.
package progress

import (
	"math"
	"time"

	"go-batch-download/internal/models"
)

// Snapshot builds the caller-facing view of a job.
func Snapshot(job models.Job, speed float64, now time.Time) models.JobSnapshot {
	snap := models.JobSnapshot{Job: job}
	if job.State != models.StateTransferring {
		speed = 0
	}
	snap.Speed = speed

	switch {
	case job.State == models.StateCompleted:
		snap.Percent = 100
	case job.TotalBytes > 0:
		snap.Percent = int(math.Min(100, float64(job.BytesTransferred)*100/float64(job.TotalBytes)))
	}

	if speed > 0 && job.TotalBytes > 0 && job.BytesTransferred < job.TotalBytes {
		eta := now.Add(secondsToDuration(float64(job.TotalBytes-job.BytesTransferred) / speed))
		snap.ETA = &eta
	}
	return snap
}

// BatchStatus folds job snapshots into an aggregate. It never mutates its
// inputs. Jobs not listed in the batch are ignored.
func BatchStatus(batch models.Batch, jobs []models.JobSnapshot, now time.Time) models.BatchStatus {
	st := models.BatchStatus{BatchID: batch.ID, Total: len(batch.JobIDs)}

	byID := make(map[string]models.JobSnapshot, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	var (
		transferring int
		knownSize    int64
		knownCount   int
		remaining    int64
		unresolved   int
	)
	for _, id := range batch.JobIDs {
		j, ok := byID[id]
		if !ok {
			// A listed job without a record is still waiting to be seen.
			st.Queued++
			unresolved++
			continue
		}
		switch j.State {
		case models.StateQueued:
			st.Queued++
		case models.StateResolving:
			st.InProgress++
		case models.StateTransferring:
			st.InProgress++
			transferring++
			st.Speed += j.Speed
		case models.StatePaused:
			st.Paused++
		case models.StateCompleted:
			st.Completed++
		case models.StateFailed:
			st.Failed++
		case models.StateCancelled:
			st.Cancelled++
		}

		st.BytesTransferred += j.BytesTransferred
		if j.TotalBytes > 0 {
			st.BytesTotal += j.TotalBytes
			knownSize += j.TotalBytes
			knownCount++
		}
		if j.State.IsTerminal() {
			continue
		}
		if j.TotalBytes > 0 {
			if r := j.TotalBytes - j.BytesTransferred; r > 0 {
				remaining += r
			}
		} else {
			unresolved++
		}
	}

	st.Done = st.Total > 0 && st.Completed+st.Failed+st.Cancelled == st.Total

	// Unresolved jobs are assumed to be the size of an average known one.
	if unresolved > 0 && knownCount > 0 {
		remaining += int64(unresolved) * (knownSize / int64(knownCount))
		unresolved = 0
	}
	if !st.Done && transferring > 0 && st.Speed > 0 && unresolved == 0 {
		eta := now.Add(secondsToDuration(float64(remaining) / st.Speed))
		st.EstimatedCompletion = &eta
	}
	return st
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
