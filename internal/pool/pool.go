// Package pool runs queued jobs on a bounded number of worker slots.
package pool

import (
	"context"
	"sync"
	"time"

	"go-batch-download/internal/queue"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Admitter decides whether a caller may start another job.
type Admitter interface {
	Admit(callerID, jobID string) error
	Release(callerID string)
	Wait() <-chan struct{}
}

// RunFunc executes one admitted job. It returns when the job reaches a
// terminal, paused or retry-pending state.
type RunFunc func(ctx context.Context, entry queue.Entry)

// Pool is a resizable set of worker slots draining a queue.
type Pool struct {
	queue    *queue.Queue
	admitter Admitter
	run      RunFunc
	clock    clock.Clock
	poll     time.Duration

	// OnPanic is called after a panic escaped RunFunc, once the governor
	// slot has been released.
	OnPanic func(entry queue.Entry, recovered any)

	mu      sync.Mutex
	target  int
	slots   int
	busy    int
	nextID  int
	wake    chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup
	started bool
}

// New creates a pool with size slots. Call Start to begin work.
func New(q *queue.Queue, admitter Admitter, run RunFunc, size int, poll time.Duration, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{
		queue:    q,
		admitter: admitter,
		run:      run,
		clock:    clk,
		poll:     poll,
		target:   size,
		wake:     make(chan struct{}),
	}
}

// Start launches the worker slots. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx = ctx
	p.spawnLocked()
	log.Infof("Worker pool started with %d slots", p.target)
}

// spawnLocked starts slots until the target is reached. mu must be held.
func (p *Pool) spawnLocked() {
	for p.slots < p.target {
		p.slots++
		p.nextID++
		p.wg.Add(1)
		go p.worker(p.nextID)
	}
}

// Resize changes the number of slots. Growing starts new slots right away;
// shrinking lets busy slots finish their current job before they exit.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Infof("Resizing worker pool from %d to %d slots", p.target, n)
	p.target = n
	if p.started {
		p.spawnLocked()
	}
	close(p.wake)
	p.wake = make(chan struct{})
}

// Size returns the target number of slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Busy returns the number of slots currently running a job.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Wait blocks until every slot has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// retire reports whether this slot should exit, and if so removes it.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots > p.target {
		p.slots--
		return true
	}
	return false
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
}

func (p *Pool) poolWake() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := log.WithField("slot", id)
	logger.Debug("Worker slot started")

	for {
		if p.ctx.Err() != nil {
			p.mu.Lock()
			p.slots--
			p.mu.Unlock()
			logger.Debug("Worker slot stopping: context done")
			return
		}
		if p.retire() {
			logger.Debug("Worker slot retired after resize")
			return
		}

		// Grab wake channels before looking so an enqueue or release
		// between the look and the wait is not missed.
		queued, released, resized := p.queue.Wait(), p.admitter.Wait(), p.poolWake()

		entry, ok := p.queue.DequeueEligible(func(e queue.Entry) error {
			return p.admitter.Admit(e.CallerID, e.JobID)
		})
		if !ok {
			tick := p.clock.Timer(p.poll)
			select {
			case <-p.ctx.Done():
			case <-queued:
			case <-released:
			case <-resized:
			case <-tick.C:
			}
			tick.Stop()
			continue
		}

		p.execute(logger, entry)
	}
}

// execute runs one job and always gives the governor slot back.
func (p *Pool) execute(logger *log.Entry, entry queue.Entry) {
	p.setBusy(1)
	defer p.setBusy(-1)

	defer func() {
		if r := recover(); r != nil {
			p.admitter.Release(entry.CallerID)
			logger.WithField("job", entry.JobID).Errorf("Recovered from panic in worker slot: %v", r)
			if p.OnPanic != nil {
				p.OnPanic(entry, r)
			}
			return
		}
		p.admitter.Release(entry.CallerID)
	}()

	logger.WithFields(log.Fields{"job": entry.JobID, "caller": entry.CallerID}).Debug("Admitted job")
	p.run(p.ctx, entry)
}
