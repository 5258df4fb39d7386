package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is a channel-backed Broker for tests and single-process
// deployments. Nacked messages go to the back of the queue, so redelivery
// order differs from Redis; consumers must not rely on ordering anyway.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan []byte)}
}

func (b *MemoryBroker) queue(name string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan []byte, 4096)
		b.queues[name] = ch
	}
	return ch, nil
}

// Publish enqueues one message.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	ch, err := b.queue(queue)
	if err != nil {
		return err
	}
	select {
	case ch <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBatch enqueues many messages.
func (b *MemoryBroker) PublishBatch(ctx context.Context, queue string, bodies [][]byte) error {
	for _, body := range bodies {
		if err := b.Publish(ctx, queue, body); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks up to a short poll window for a message.
func (b *MemoryBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	ch, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()

	select {
	case body := <-ch:
		return &Delivery{
			Queue: queue,
			Body:  body,
			nack: func(ctx context.Context) error {
				return b.Publish(ctx, queue, body)
			},
		}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of undelivered messages in a queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Close marks the broker closed. Later publishes and receives fail with
// ErrClosed; outstanding channels are left to the GC.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
