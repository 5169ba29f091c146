package progress

import (
	"sync"

	"go-batch-download/internal/models"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// CompletionFunc is called once when a batch becomes fully terminal.
type CompletionFunc func(batch models.Batch, status models.BatchStatus)

// Aggregator fires batch completion notifications exactly once per batch.
type Aggregator struct {
	mu       sync.Mutex
	clock    clock.Clock
	notified map[string]struct{}
	onDone   CompletionFunc
}

func NewAggregator(clk clock.Clock, onDone CompletionFunc) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{clock: clk, notified: make(map[string]struct{}), onDone: onDone}
}

// Observe looks at a freshly computed status and fires the completion
// callback if the batch is done and has not been notified before. A batch
// whose NotifiedAt is already set (for example after a restart) never
// fires. On firing, batch.NotifiedAt is set; the caller persists it.
func (a *Aggregator) Observe(batch *models.Batch, status models.BatchStatus) bool {
	if !status.Done {
		return false
	}
	a.mu.Lock()
	if _, seen := a.notified[batch.ID]; seen || !batch.NotifiedAt.IsZero() {
		a.notified[batch.ID] = struct{}{}
		a.mu.Unlock()
		return false
	}
	a.notified[batch.ID] = struct{}{}
	batch.NotifiedAt = a.clock.Now().UTC()
	a.mu.Unlock()

	log.WithFields(log.Fields{
		"batch":     batch.ID,
		"completed": status.Completed,
		"failed":    status.Failed,
		"cancelled": status.Cancelled,
	}).Info("Batch finished")
	if a.onDone != nil {
		a.onDone(*batch, status)
	}
	return true
}

// Forget drops the bookkeeping for a deleted batch.
func (a *Aggregator) Forget(batchID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.notified, batchID)
}
