package supervisor

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

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("boom", func(context.Context) error { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom: panic: kaput")

	var boom Stats
	for _, st := range s.Snapshot() {
		if st.Name == "boom" {
			boom = st
		}
	}
	assert.Equal(t, 1, boom.Panics)
	assert.False(t, boom.Running)
}

func TestGoCancellationIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(context.Background()))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorContains(t, err, "flaky: transient")
	assert.Equal(t, int32(3), runs.Load())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		panic("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
	assert.Error(t, s.Context().Err(), "giving up must cancel siblings")
}

func TestStopInterruptsBackoff(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("slow", func(context.Context) error {
		return errors.New("fail")
	}, WithRestartBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
