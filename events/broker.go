package events

import (
	"context"
	"sync"

	"taskboard/domain"
)

const subscriberBuffer = 8

// Broker is an in-process Publisher and Subscriber used when no Redis is
// configured. It only reaches streams served by this process.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.Change]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan domain.Change]struct{})}
}

func (b *Broker) Subscribe(_ context.Context, userID string) (<-chan domain.Change, func()) {
	ch := make(chan domain.Change, subscriberBuffer)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan domain.Change]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
		})
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the change.
// Any later change still triggers a refetch.
func (b *Broker) Publish(_ context.Context, change domain.Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range recipients(change) {
		for ch := range b.subs[uid] {
			select {
			case ch <- change:
			default:
			}
		}
	}
	return nil
}

func (b *Broker) subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}
