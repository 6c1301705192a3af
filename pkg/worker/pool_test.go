package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/metric"
)

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, int) error { return nil }

	pool := NewPool(0, 0, noop)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	assert.PanicsWithValue(t, ErrNilProcessor, func() { NewPool[int](1, 1, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 4, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), 1), ErrPoolStopped)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_ProcessesAndCountsFailures(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(3, 16, func(_ context.Context, n int) error {
		processed.Add(1)
		if n%2 == 0 {
			return stderrors.New("even")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}

	require.Eventually(t, func() bool { return processed.Load() == 10 }, time.Second, 5*time.Millisecond)
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	// wait until the worker holds item 1 so the queue slot is free again
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))
	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, 4), context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopDiscardsQueuedWork(t *testing.T) {
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		discarded []int
	)
	pool := NewPool(1, 8, func(context.Context, int) error {
		<-release
		return nil
	}, WithDiscard(func(n int) {
		mu.Lock()
		discarded = append(discarded, n)
		mu.Unlock()
	}))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))
	require.NoError(t, pool.Submit(3))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{2, 3}, discarded)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, pool.Stop(10*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	var done atomic.Int64
	pool := NewPool(1, 4, func(context.Context, int) error {
		done.Add(1)
		return nil
	}, WithMetricsRegistry[int](registry, "executor_test"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return done.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "executor_test_submitted_total" {
			found = true
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
