package broker_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
)

// setupRedisBroker skips unless TEST_REDIS_URL points at a live Redis.
func setupRedisBroker(t *testing.T) *broker.RedisBroker {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis broker tests")
	}

	prefix := fmt.Sprintf("geoetl-test-%d", time.Now().UnixNano())
	b, err := broker.NewRedisBroker(url, prefix)
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBroker_PublishReceiveAck(t *testing.T) {
	b := setupRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, broker.TaskQueue, []byte("one")))
	require.NoError(t, b.Publish(ctx, broker.TaskQueue, []byte("two")))

	d, err := b.Receive(ctx, broker.TaskQueue)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "one", string(d.Body))
	assert.Equal(t, broker.TaskQueue, d.Queue)
	require.NoError(t, d.Ack(ctx))

	d, err = b.Receive(ctx, broker.TaskQueue)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "two", string(d.Body))
	require.NoError(t, d.Ack(ctx))
}

func TestRedisBroker_NackRequeues(t *testing.T) {
	b := setupRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, broker.TaskQueue, []byte("retry-me")))

	d, err := b.Receive(ctx, broker.TaskQueue)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.Nack(ctx))

	d, err = b.Receive(ctx, broker.TaskQueue)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "retry-me", string(d.Body))
	require.NoError(t, d.Ack(ctx))
}

func TestRedisBroker_RecoverProcessing(t *testing.T) {
	b := setupRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PublishBatch(ctx, broker.TaskQueue, [][]byte{
		[]byte("a"), []byte("b"),
	}))

	// Receive without acking simulates a consumer crash: both messages are
	// parked on the processing list.
	for i := 0; i < 2; i++ {
		d, err := b.Receive(ctx, broker.TaskQueue)
		require.NoError(t, err)
		require.NotNil(t, d)
	}

	moved, err := b.RecoverProcessing(ctx, broker.TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		d, err := b.Receive(ctx, broker.TaskQueue)
		require.NoError(t, err)
		require.NotNil(t, d)
		seen[string(d.Body)] = true
		require.NoError(t, d.Ack(ctx))
	}
	assert.True(t, seen["a"] && seen["b"])
}
