package coordinator

import (
	"sync"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
)

// emitter fans events out to subscriber channels. Slow consumers drop
// events rather than block the coordination path.
type emitter struct {
	mu   sync.RWMutex
	subs []chan core.Event
}

func newEmitter() *emitter {
	return &emitter{}
}

func (e *emitter) subscribe() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *emitter) unsubscribe(ch <-chan core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev core.Event) {
	e.mu.RLock()
	// Copy so a concurrent subscribe cannot race the iteration.
	subs := make([]chan core.Event, len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop if full. Events are observability, not coordination.
		}
	}
}

// Events returns a channel for receiving lifecycle events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (c *Coordinator) Events() <-chan core.Event {
	return c.emitter.subscribe()
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (c *Coordinator) Unsubscribe(ch <-chan core.Event) {
	c.emitter.unsubscribe(ch)
}
