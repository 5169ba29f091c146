package progress

import (
	"sync"

	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Feed fans events out to subscribers. Publishing never blocks: a slow
// subscriber loses progress ticks first, then its oldest events.
type Feed struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	batchID string
	ch      chan models.Event
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]*subscriber)}
}

// Subscribe returns a channel of events for batchID, or for every batch
// when batchID is empty, and a function that ends the subscription.
func (f *Feed) Subscribe(batchID string, buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	s := &subscriber{batchID: batchID, ch: make(chan models.Event, buffer)}
	f.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (f *Feed) Publish(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.batchID != "" && s.batchID != ev.BatchID {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		if ev.Type == models.EventJobProgress {
			continue
		}
		// Make room for a state change by dropping the oldest event.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
			log.Debugf("Dropping %s event for slow subscriber", ev.Type)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
