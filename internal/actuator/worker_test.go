package actuator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pulsekeeper/pkg/logx"
)

func TestWorkerRunsJobsInOrder(t *testing.T) {
	t.Parallel()
	w := NewWorker("test", 8, 0, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, w.Submit("step", func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	// Do is queued behind the submitted jobs, so it observes all of them.
	require.NoError(t, w.Do(ctx, "barrier", func(context.Context) error { return nil }))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestWorkerDoReturnsJobError(t *testing.T) {
	t.Parallel()
	w := NewWorker("test", 4, time.Second, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	want := errors.New("boom")
	assert.ErrorIs(t, w.Do(ctx, "fail", func(context.Context) error { return want }), want)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()
	w := NewWorker("test", 4, 0, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	err := w.Do(ctx, "panic", func(context.Context) error { panic("hardware exploded") })
	assert.Error(t, err)
	assert.NoError(t, w.Do(ctx, "after", func(context.Context) error { return nil }))
}

func TestWorkerDropsWhenFull(t *testing.T) {
	t.Parallel()
	w := NewWorker("test", 1, 0, logx.Nop())
	assert.True(t, w.Submit("a", func(context.Context) error { return nil }))
	assert.False(t, w.Submit("b", func(context.Context) error { return nil }))
	assert.Equal(t, uint64(1), w.Dropped())
	assert.ErrorIs(t, w.Do(context.Background(), "c", func(context.Context) error { return nil }), ErrWorkerFull)
}

func TestWorkerDrainsOnStop(t *testing.T) {
	t.Parallel()
	w := NewWorker("test", 4, 0, logx.Nop())
	var ran atomic.Bool
	res := make(chan error, 1)
	go func() {
		res <- w.Do(context.Background(), "never", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(w.queue) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	select {
	case err := <-res:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter hung after worker stop")
	}
	assert.False(t, ran.Load())
}
