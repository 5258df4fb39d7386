// Package worker provides the message-consuming Worker process.
package worker

import (
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues       map[string]int // queue name -> concurrency
	WorkerID     string
	StorageRetry *RetryConfig
	ReceiveRetry *RetryConfig
}

// WorkerQueue adds a queue to consume with the given concurrency.
// Concurrency is clamped to [1, MaxConcurrency].
func WorkerQueue(name string, concurrency int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		c.Queues[name] = security.ClampConcurrency(concurrency)
	})
}

// WithStorageRetry overrides the backoff used for transient handling failures.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}
