package taskq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool := NewPool()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, 4) }()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int64(50), count.Load())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, pool.Len())
}

func TestPoolPriorityOrdering(t *testing.T) {
	pool := NewPool()

	var mu sync.Mutex
	var order []string
	record := func(tag string) Task {
		return func() {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}

	// enqueue before any worker runs so priorities decide the order
	pool.Submit(record("default-1"))
	pool.Submit(record("default-2"))
	pool.SubmitPriority(record("urgent"), PriorityHigh)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for pool.Len() > 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	pool.Run(ctx, 1) //nolint:errcheck

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "urgent", order[0])
	assert.Equal(t, []string{"default-1", "default-2"}, order[1:])
}

func TestPoolAbandonsQueueOnCancel(t *testing.T) {
	pool := NewPool()
	pool.Submit(func() {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Run(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, pool.Len())
}
