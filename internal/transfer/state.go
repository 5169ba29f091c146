// Package transfer drives a job through its lifecycle: resolution, byte
// transfer, verification, and the retry policy around them.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"go-batch-download/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPaused and ErrCancelled are cancellation causes for a running job.
	ErrPaused    = errors.New("job paused")
	ErrCancelled = errors.New("job cancelled")
)

var transitions = map[models.State][]models.State{
	models.StateQueued:       {models.StateResolving, models.StatePaused, models.StateCancelled},
	models.StateResolving:    {models.StateTransferring, models.StateQueued, models.StateFailed, models.StatePaused, models.StateCancelled},
	models.StateTransferring: {models.StateCompleted, models.StateQueued, models.StateFailed, models.StatePaused, models.StateCancelled},
	models.StatePaused:       {models.StateQueued, models.StateCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves job to state to, maintaining the bookkeeping fields.
func Transition(job *models.Job, to models.State, now time.Time) error {
	from := job.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch {
	case to == models.StatePaused:
		job.PausedFrom = from
	case from == models.StatePaused:
		job.PausedFrom = ""
	}
	if to.IsTerminal() {
		job.FinishedAt = now
	}
	job.State = to
	job.UpdatedAt = now
	return nil
}
