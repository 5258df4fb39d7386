// Package broker provides the message transport between the coordinator and
// workers: a job queue for submissions and a task queue for dispatch.
// Delivery is at-least-once; consumers acknowledge each message only after
// the corresponding state transition commits, so a crash in between results
// in redelivery, which deterministic IDs make safe to replay.
package broker

import (
	"context"
	"errors"
)

// Logical queue names.
const (
	JobQueue  = "jobs"
	TaskQueue = "tasks"
)

// ErrClosed is returned by operations on a broker after Close.
var ErrClosed = errors.New("broker: closed")

// Delivery is one received message. Exactly one of Ack or Nack should be
// called: Ack removes the message, Nack returns it to the queue for
// redelivery.
type Delivery struct {
	Queue string
	Body  []byte

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack acknowledges the message.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the message to its queue.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Broker is the message transport contract.
type Broker interface {
	// Publish enqueues one message.
	Publish(ctx context.Context, queue string, body []byte) error

	// PublishBatch enqueues many messages in one round trip.
	PublishBatch(ctx context.Context, queue string, bodies [][]byte) error

	// Receive blocks until a message arrives, the poll window elapses
	// (returning nil, nil), or the context is done.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// Close releases the broker's resources.
	Close() error
}
