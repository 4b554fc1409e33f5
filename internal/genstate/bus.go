package genstate

import (
	"sync"
	"time"
)

// Change is a generation-state transition notification.
type Change struct {
	ConversationID string
	Backend        string
	Active         bool
	At             time.Time
}

// Subscription receives changes from a Bus.
type Subscription struct {
	C  <-chan Change
	ch chan Change
}

// Bus fans out state changes to all active subscribers. It is safe for
// concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates a Bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe creates a subscription with the given channel buffer size. The
// caller should read from sub.C and eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Change, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends a change to all subscribers. If a subscriber's buffer is
// full the change is dropped for that subscriber so slow consumers cannot
// stall a writer.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- c:
		default:
		}
	}
}
