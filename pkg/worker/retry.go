package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry loop wrapped around broker and store calls.
// Fields are not defaulted from zero values; construct with
// DefaultRetryConfig and override what you need.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 behave as a single
	// attempt.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay growth.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the delay after each failed attempt.
	BackoffMultiplier float64

	// JitterFraction randomizes each delay by up to this fraction in either
	// direction, so workers that fail together do not retry in lockstep.
	JitterFraction float64
}

// DefaultRetryConfig suits the short database and broker hiccups seen during
// failovers and connection resets.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff runs op until it succeeds, attempts run out, or the
// context ends. Context errors are returned immediately without retrying: a
// cancelled worker must not sit out a backoff window.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	delay := cfg.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}

		sleep := delay
		if cfg.JitterFraction > 0 {
			sleep += time.Duration(float64(delay) * cfg.JitterFraction * (rand.Float64()*2 - 1))
			if sleep < 0 {
				sleep = delay
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
}
