package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
)

// Worker consumes job and task messages from the broker and hands them to
// the coordinator. Workers are stateless: any number can run against the
// same store and broker, and any worker can pick up any message.
type Worker struct {
	coord  *coordinator.Coordinator
	broker broker.Broker
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a worker for the given coordinator and broker.
func NewWorker(c *coordinator.Coordinator, b broker.Broker, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		WorkerID: uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Queues == nil {
		config.Queues = map[string]int{
			broker.JobQueue:  2,
			broker.TaskQueue: 10,
		}
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.ReceiveRetry == nil {
		// Longer backoff so a broker outage isn't hammered.
		receiveCfg := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		config.ReceiveRetry = &receiveCfg
	}

	return &Worker{
		coord:  c,
		broker: b,
		config: config,
		logger: slog.Default(),
	}
}

// WorkerID returns this worker's identifier.
func (w *Worker) WorkerID() string {
	return w.config.WorkerID
}

// Start begins consuming messages. Blocks until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	for queue, concurrency := range w.config.Queues {
		for i := 0; i < concurrency; i++ {
			w.wg.Add(1)
			go w.consumeLoop(ctx, queue)
		}
	}

	w.logger.Info("worker started", "worker_id", w.config.WorkerID, "queues", len(w.config.Queues))
	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

func (w *Worker) consumeLoop(ctx context.Context, queue string) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := w.receiveWithRetry(ctx, queue)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("receive failed after retries", "queue", queue, "error", err)
			}
			continue
		}
		if delivery == nil {
			continue
		}
		w.process(ctx, delivery)
	}
}

func (w *Worker) receiveWithRetry(ctx context.Context, queue string) (*broker.Delivery, error) {
	var delivery *broker.Delivery
	err := retryWithBackoff(ctx, *w.config.ReceiveRetry, func() error {
		var recvErr error
		delivery, recvErr = w.broker.Receive(ctx, queue)
		return recvErr
	})
	return delivery, err
}

// process dispatches one delivery. The message is acknowledged only after
// the coordinator returns success; transient errors leave the message for
// redelivery, where idempotent handling makes the retry safe.
func (w *Worker) process(ctx context.Context, d *broker.Delivery) {
	var err error
	switch d.Queue {
	case broker.JobQueue:
		err = w.processJobMessage(ctx, d.Body)
	case broker.TaskQueue:
		err = w.processTaskMessage(ctx, d.Body)
	default:
		w.logger.Error("delivery from unexpected queue", "queue", d.Queue)
		err = nil
	}

	if err != nil {
		w.logger.Warn("message handling failed, requeueing",
			"queue", d.Queue, "worker_id", w.config.WorkerID, "error", err)
		if nackErr := d.Nack(ctx); nackErr != nil {
			w.logger.Error("nack failed", "queue", d.Queue, "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(ctx); ackErr != nil {
		// The message stays in the processing list and will be requeued at
		// startup recovery. Handling it again is a no-op.
		w.logger.Error("ack failed", "queue", d.Queue, "error", ackErr)
	}
}

func (w *Worker) processJobMessage(ctx context.Context, body []byte) error {
	msg, err := core.DecodeJobMessage(body)
	if err != nil {
		w.logger.Error("dropping undecodable job message", "error", err)
		return nil
	}
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.coord.HandleJobMessage(ctx, msg)
	})
}

func (w *Worker) processTaskMessage(ctx context.Context, body []byte) error {
	msg, err := core.DecodeTaskMessage(body)
	if err != nil {
		w.logger.Error("dropping undecodable task message", "error", err)
		return nil
	}
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.coord.HandleTaskMessage(ctx, msg)
	})
}
