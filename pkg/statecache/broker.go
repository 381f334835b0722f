package statecache

import (
	"sync"

	"github.com/hearthlink/hearthlink/pkg/types"
)

// Change is one device state transition delivered to subscribers.
type Change struct {
	SAID  string
	State types.StateDocument
}

// Subscription receives changes for one device. Delivery is best-effort:
// a subscriber that stops draining its channel loses changes rather than
// blocking the dispatch path.
type Subscription struct {
	C     chan Change
	said  string
	owner *broker
}

// Close removes the subscription.
func (s *Subscription) Close() {
	s.owner.unsubscribe(s)
}

// broker fans device state changes out to per-device subscribers.
type broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // keyed by SAID
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *broker) subscribe(said string) *Subscription {
	sub := &Subscription{
		C:     make(chan Change, 16),
		said:  said,
		owner: b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[said] == nil {
		b.subs[said] = make(map[*Subscription]struct{})
	}
	b.subs[said][sub] = struct{}{}
	return sub
}

func (b *broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.said]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.said)
	}
	close(sub.C)
}

func (b *broker) publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[change.SAID] {
		select {
		case sub.C <- change:
		default:
			// Subscriber buffer full, skip
		}
	}
}
