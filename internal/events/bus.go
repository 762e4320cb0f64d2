package events

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel depth used by Subscribe.
const DefaultBuffer = 64

// Subscription is one registered listener. Events arrive on C until
// Unsubscribe, after which C is closed.
type Subscription struct {
	ID string
	C  <-chan Event

	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and its drop count is incremented.
// Consumers that need a complete picture should re-snapshot state instead
// of relying on every delta arriving.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	dropped map[string]uint64
	closed  bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]*Subscription),
		dropped: make(map[string]uint64),
	}
}

// Subscribe registers a listener with the given buffer depth. A depth of
// zero uses DefaultBuffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID: uuid.New().String(),
		C:  ch,
		ch: ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel. Unknown ids are
// ignored so teardown paths can call it unconditionally.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	delete(b.dropped, id)
	close(sub.ch)
}

// Publish delivers evt to every subscriber that has buffer room. It is safe
// to call while holding component locks because it never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped[id]++
		}
	}
}

// Dropped reports how many events a subscriber has missed due to a full
// buffer. Returns zero for unknown ids.
func (b *Bus) Dropped(id string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[id]
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down. Subsequent Publish calls are no-ops and all
// subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		delete(b.dropped, id)
		close(sub.ch)
	}
}
