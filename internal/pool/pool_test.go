package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-batch-download/internal/governor"
	"go-batch-download/internal/models"
	"go-batch-download/internal/queue"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGovernor() *governor.Governor {
	return governor.New(&models.Config{
		DefaultTier: "free",
		Tiers: map[string]models.PlanLimits{
			"free": {MaxConcurrent: 1},
			"pro":  {MaxConcurrent: 10},
		},
		Callers: map[string]models.CallerConfig{"k": {ID: "pro-caller", Tier: "pro"}},
	}, clock.New())
}

func enqueue(t *testing.T, q *queue.Queue, caller string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(queue.Entry{JobID: fmt.Sprintf("%s-%d", caller, i), CallerID: caller, Priority: models.PriorityNormal}))
	}
}

func TestPool_RunsAllJobs(t *testing.T) {
	q := queue.New(0)
	enqueue(t, q, "pro-caller", 20)

	var done sync.WaitGroup
	done.Add(20)
	var ran atomic.Int32
	p := New(q, testGovernor(), func(ctx context.Context, e queue.Entry) {
		ran.Add(1)
		done.Done()
	}, 4, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	done.Wait()
	cancel()
	p.Wait()

	assert.Equal(t, int32(20), ran.Load())
	assert.Zero(t, q.Len())
}

func TestPool_RespectsCallerCeiling(t *testing.T) {
	q := queue.New(0)
	enqueue(t, q, "free-caller", 3)

	var active, maxActive atomic.Int32
	var done sync.WaitGroup
	done.Add(3)
	p := New(q, testGovernor(), func(ctx context.Context, e queue.Entry) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		done.Done()
	}, 4, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	done.Wait()
	cancel()
	p.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPool_DeniedCallerDoesNotBlockOthers(t *testing.T) {
	q := queue.New(0)
	enqueue(t, q, "free-caller", 2)
	enqueue(t, q, "pro-caller", 1)

	release := make(chan struct{})
	proDone := make(chan struct{})
	p := New(q, testGovernor(), func(ctx context.Context, e queue.Entry) {
		if e.CallerID == "pro-caller" {
			close(proDone)
			return
		}
		<-release
	}, 3, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	select {
	case <-proDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pro caller job was starved by a capped caller")
	}
	// The second free job is still queued behind the ceiling.
	assert.True(t, q.Contains("free-caller-1"))

	close(release)
	cancel()
	p.Wait()
}

func TestPool_PanicReleasesSlot(t *testing.T) {
	q := queue.New(0)
	enqueue(t, q, "free-caller", 2)

	var panics atomic.Int32
	var done sync.WaitGroup
	done.Add(2)
	p := New(q, testGovernor(), func(ctx context.Context, e queue.Entry) {
		if e.JobID == "free-caller-0" {
			panic("boom")
		}
		done.Done()
	}, 1, 10*time.Millisecond, nil)
	p.OnPanic = func(e queue.Entry, r any) {
		panics.Add(1)
		done.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	done.Wait()
	cancel()
	p.Wait()

	assert.Equal(t, int32(1), panics.Load())
}

func TestPool_Resize(t *testing.T) {
	q := queue.New(0)
	p := New(q, testGovernor(), func(ctx context.Context, e queue.Entry) {}, 2, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Resize(5)
	assert.Equal(t, 5, p.Size())
	p.Resize(1)
	assert.Equal(t, 1, p.Size())

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.slots == 1
	}, 2*time.Second, 10*time.Millisecond)
}
