// Package queue holds jobs waiting for a worker slot.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-batch-download/internal/models"
)

var (
	ErrQueueFull          = errors.New("job queue is full")
	ErrBatchLimitExceeded = errors.New("batch exceeds the per-batch job limit")
)

// Entry is one queued job.
type Entry struct {
	JobID    string
	CallerID string
	Priority models.Priority

	seq uint64
}

// before reports whether a is admitted ahead of b.
func before(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Queue is a bounded priority queue, FIFO within a priority class.
// All methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry // kept sorted by before()
	index    map[string]struct{}
	seq      uint64
	wake     chan struct{}
}

// New returns a queue holding at most capacity entries. capacity <= 0 means
// unbounded.
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		index:    make(map[string]struct{}),
		wake:     make(chan struct{}),
	}
}

// Enqueue adds one entry or fails with ErrQueueFull.
func (q *Queue) Enqueue(e Entry) error {
	return q.EnqueueBatch([]Entry{e}, 0)
}

// EnqueueBatch adds all entries or none of them. maxPerBatch <= 0 disables
// the per-batch check.
func (q *Queue) EnqueueBatch(entries []Entry, maxPerBatch int) error {
	if maxPerBatch > 0 && len(entries) > maxPerBatch {
		return fmt.Errorf("%w: %d jobs, limit is %d", ErrBatchLimitExceeded, len(entries), maxPerBatch)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.entries)+len(entries) > q.capacity {
		return fmt.Errorf("%w: %d queued, %d requested, capacity %d", ErrQueueFull, len(q.entries), len(entries), q.capacity)
	}
	for _, e := range entries {
		if _, dup := q.index[e.JobID]; dup {
			panic(fmt.Sprintf("queue: job %s enqueued twice", e.JobID))
		}
	}
	for _, e := range entries {
		q.seq++
		e.seq = q.seq
		q.insert(e)
	}
	if len(entries) > 0 {
		close(q.wake)
		q.wake = make(chan struct{})
	}
	return nil
}

func (q *Queue) insert(e Entry) {
	i := sort.Search(len(q.entries), func(i int) bool { return before(e, q.entries[i]) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.index[e.JobID] = struct{}{}
}

func (q *Queue) removeAt(i int) Entry {
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.index, e.JobID)
	return e
}

// Dequeue removes and returns the head of the queue. The boolean is false
// when nothing is queued.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.removeAt(0), true
}

// DequeueEligible removes and returns the first entry, in admission order,
// for which admit returns nil. Denied entries stay where they are. admit is
// called with the queue locked and must not call back into the queue; it is
// asked at most once per caller.
func (q *Queue) DequeueEligible(admit func(Entry) error) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	denied := make(map[string]struct{})
	for i, e := range q.entries {
		if _, skip := denied[e.CallerID]; skip {
			continue
		}
		if err := admit(e); err != nil {
			denied[e.CallerID] = struct{}{}
			continue
		}
		return q.removeAt(i), true
	}
	return Entry{}, false
}

// Remove drops a job from the queue. It reports whether the job was queued.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[jobID]; !ok {
		return false
	}
	for i, e := range q.entries {
		if e.JobID == jobID {
			q.removeAt(i)
			return true
		}
	}
	panic(fmt.Sprintf("queue: index holds %s but entries do not", jobID))
}

// Contains reports whether a job is queued.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[jobID]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Wait returns a channel closed on the next successful enqueue.
func (q *Queue) Wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// Snapshot returns the queued entries in admission order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
