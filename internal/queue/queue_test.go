package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go-batch-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, caller string, p models.Priority) Entry {
	return Entry{JobID: id, CallerID: caller, Priority: p}
}

func drain(q *Queue) []string {
	var ids []string
	for {
		e, ok := q.Dequeue()
		if !ok {
			return ids
		}
		ids = append(ids, e.JobID)
	}
}

func TestOrdering_PriorityThenFIFO(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(entry("n1", "a", models.PriorityNormal)))
	require.NoError(t, q.Enqueue(entry("l1", "a", models.PriorityLow)))
	require.NoError(t, q.Enqueue(entry("h1", "a", models.PriorityHigh)))
	require.NoError(t, q.Enqueue(entry("n2", "a", models.PriorityNormal)))
	require.NoError(t, q.Enqueue(entry("h2", "a", models.PriorityHigh)))

	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, drain(q))
}

func TestCapacity(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue(entry("1", "a", models.PriorityNormal)))
	require.NoError(t, q.Enqueue(entry("2", "a", models.PriorityNormal)))
	assert.ErrorIs(t, q.Enqueue(entry("3", "a", models.PriorityNormal)), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueBatch_Atomic(t *testing.T) {
	q := New(3)
	require.NoError(t, q.Enqueue(entry("x", "a", models.PriorityNormal)))

	batch := []Entry{entry("1", "a", 1), entry("2", "a", 1), entry("3", "a", 1)}
	assert.ErrorIs(t, q.EnqueueBatch(batch, 0), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	assert.ErrorIs(t, q.EnqueueBatch(batch, 2), ErrBatchLimitExceeded)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.EnqueueBatch(batch[:2], 2))
	assert.Equal(t, 3, q.Len())
}

func TestDuplicateEnqueuePanics(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(entry("1", "a", 1)))
	assert.Panics(t, func() { _ = q.Enqueue(entry("1", "a", 1)) })
}

func TestConcurrentDequeueSingleWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		q := New(0)
		require.NoError(t, q.Enqueue(entry("only", "a", 1)))

		var wg sync.WaitGroup
		results := make(chan bool, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok := q.Dequeue()
				results <- ok
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for ok := range results {
			if ok {
				wins++
			}
		}
		assert.Equal(t, 1, wins)
	}
}

func TestDequeueEligible_SkipsDeniedCallers(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(entry("a1", "alice", models.PriorityHigh)))
	require.NoError(t, q.Enqueue(entry("a2", "alice", models.PriorityHigh)))
	require.NoError(t, q.Enqueue(entry("b1", "bob", models.PriorityNormal)))

	asked := map[string]int{}
	admit := func(e Entry) error {
		asked[e.CallerID]++
		if e.CallerID == "alice" {
			return errors.New("at ceiling")
		}
		return nil
	}

	e, ok := q.DequeueEligible(admit)
	require.True(t, ok)
	assert.Equal(t, "b1", e.JobID)
	assert.Equal(t, 1, asked["alice"])
	assert.True(t, q.Contains("a1"))
	assert.True(t, q.Contains("a2"))

	_, ok = q.DequeueEligible(admit)
	assert.False(t, ok)
	assert.Equal(t, 2, q.Len())
}

func TestRemove(t *testing.T) {
	q := New(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(entry(fmt.Sprint(i), "a", 1)))
	}
	assert.True(t, q.Remove("1"))
	assert.False(t, q.Remove("1"))
	assert.Equal(t, []string{"0", "2"}, drain(q))
}

func TestWaitBroadcast(t *testing.T) {
	q := New(0)
	w1, w2 := q.Wait(), q.Wait()

	select {
	case <-w1:
		t.Fatal("wake channel closed before enqueue")
	default:
	}

	require.NoError(t, q.Enqueue(entry("1", "a", 1)))
	<-w1
	<-w2

	select {
	case <-q.Wait():
		t.Fatal("new wake channel should be open")
	default:
	}
}
