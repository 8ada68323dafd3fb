// Package eventbus fans lifecycle events out to in-process subscribers.
//
// Delivery is best-effort: a subscriber whose buffer is full loses the
// event rather than blocking publishers. Events for the same entity are
// delivered in publish order; there is no ordering across entities.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// Bus is the in-process event hub. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("event dropped for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", string(e.Type)))
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel func. Cancel is idempotent; the
// channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the write lock so no publisher holding the
			// read lock can send on a closed channel.
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close removes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
