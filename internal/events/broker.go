// Package events is a best-effort in-process broker used for live streaming.
// Durable history lives in the store; the broker only wakes subscribers, so a
// dropped notification costs latency, never data.
package events

import (
	"sync"

	"github.com/opsloop/opsloop/internal/store"
)

const subscriberBuffer = 64

// Broker fans stored events out to per-run subscribers. Publish never
// blocks; a subscriber whose buffer is full misses the notification and
// catches up from the store.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan store.StoredEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan store.StoredEvent]struct{})}
}

// Subscribe registers for one run's events. The returned cancel func must be
// called when the subscriber goes away.
func (b *Broker) Subscribe(runID string) (<-chan store.StoredEvent, func()) {
	ch := make(chan store.StoredEvent, subscriberBuffer)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan store.StoredEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish notifies the run's subscribers without blocking.
func (b *Broker) Publish(ev store.StoredEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
