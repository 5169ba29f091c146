package models

// State is the lifecycle position of a job.
type State string

const (
	StateQueued       State = "Queued"
	StateResolving    State = "Resolving"
	StateTransferring State = "Transferring"
	StatePaused       State = "Paused"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCancelled    State = "Cancelled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive returns true while a worker slot owns the job.
func (s State) IsActive() bool {
	return s == StateResolving || s == StateTransferring
}
