package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis lists. Publish LPUSHes onto the
// queue list; Receive atomically moves the tail into a processing list
// (BLMOVE), so a consumer crash leaves the message parked rather than lost.
// Ack removes it from the processing list; Nack moves it back.
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
}

// NewRedisBroker creates a broker from a Redis URL. The prefix namespaces
// this deployment's queues.
func NewRedisBroker(redisURL, prefix string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if prefix == "" {
		prefix = "geoetl"
	}
	return &RedisBroker{
		client:       redis.NewClient(opts),
		prefix:       prefix,
		blockTimeout: 2 * time.Second,
	}, nil
}

// Ping checks broker connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) queueKey(queue string) string {
	return fmt.Sprintf("%s:%s", b.prefix, queue)
}

func (b *RedisBroker) processingKey(queue string) string {
	return fmt.Sprintf("%s:%s:processing", b.prefix, queue)
}

// Publish enqueues one message.
func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.client.LPush(ctx, b.queueKey(queue), body).Err()
}

// PublishBatch enqueues many messages in one round trip.
func (b *RedisBroker) PublishBatch(ctx context.Context, queue string, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	values := make([]any, len(bodies))
	for i, body := range bodies {
		values[i] = body
	}
	return b.client.LPush(ctx, b.queueKey(queue), values...).Err()
}

// Receive blocks up to the poll window for a message.
func (b *RedisBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	body, err := b.client.BLMove(ctx, b.queueKey(queue), b.processingKey(queue), "RIGHT", "LEFT", b.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}

	payload := []byte(body)
	return &Delivery{
		Queue: queue,
		Body:  payload,
		ack: func(ctx context.Context) error {
			return b.client.LRem(ctx, b.processingKey(queue), 1, body).Err()
		},
		nack: func(ctx context.Context) error {
			pipe := b.client.TxPipeline()
			pipe.LRem(ctx, b.processingKey(queue), 1, body)
			pipe.LPush(ctx, b.queueKey(queue), body)
			_, err := pipe.Exec(ctx)
			return err
		},
	}, nil
}

// RecoverProcessing moves every parked message of a queue back onto the
// queue. Called at consumer startup to requeue messages orphaned by a
// previous crash.
func (b *RedisBroker) RecoverProcessing(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		_, err := b.client.LMove(ctx, b.processingKey(queue), b.queueKey(queue), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", queue, err)
		}
		moved++
	}
}

// Close releases the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
