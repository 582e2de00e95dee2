package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/background"
	"pulsekeeper/internal/lease"
	"pulsekeeper/internal/lifecycle"
	"pulsekeeper/internal/scheduler"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

// stepClock only ticks when told to.
type stepClock struct {
	mu  sync.Mutex
	fns map[int]func()
	n   int
}

func (c *stepClock) Every(_ time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = map[int]func(){}
	}
	c.n++
	id := c.n
	c.fns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.fns, id)
		c.mu.Unlock()
	}
}

func (c *stepClock) Tick() {
	c.mu.Lock()
	var fns []func()
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// After one expiry and wake, pulses come from the period timer alone; wakes
// that come due while the fresh grant is live do not add pulses.
func TestBackgroundCadenceFollowsPeriodAfterWake(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := newHost(t, Config{GrantDuration: time.Hour, WakeWindow: 5 * time.Second})
	grants := background.NewManager(host, background.Config{BackoffBase: time.Hour, BackoffMax: time.Hour}, logx.Nop(), nil)
	t.Cleanup(grants.Close)

	drv := actuator.NewSimDriver("light", true, logx.Nop())
	act := actuator.New(actuator.Config{Kind: signal.Light, Pattern: actuator.LightPattern(time.Millisecond)}, drv, logx.Nop())
	w := actuator.NewWorker("light", 8, time.Second, logx.Nop())
	go func() { _ = w.Run(ctx) }()

	clock := &stepClock{}
	sched := scheduler.New(scheduler.Config{Period: time.Hour, WakeNotBefore: 10 * time.Millisecond}, scheduler.Deps{
		Signals: map[signal.Kind]scheduler.Signal{signal.Light: {Actuator: act, Worker: w}},
		Grants:  grants,
		Lease:   lease.New(lease.NewSim(), logx.Nop()),
		Clock:   clock,
		Log:     logx.Nop(),
	})
	go func() { _ = sched.Run(ctx) }()

	adapter := lifecycle.New(sched, lifecycle.Config{}, logx.Nop())
	require.NoError(t, adapter.Bind(grants))

	require.NoError(t, sched.Start(ctx, signal.Light))
	host.EnterBackground()
	require.NoError(t, sched.EnteredBackground(ctx))
	require.NoError(t, sched.GrantExpiring(ctx))

	require.Eventually(t, func() bool { return drv.Activations() == 1 }, 2*time.Second, time.Millisecond, "wake resumes with one pulse")
	require.Eventually(t, func() bool { return host.LiveGrants() == 1 }, 2*time.Second, time.Millisecond)

	// Ten wake intervals pass under the live grant.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, drv.Activations())
	assert.True(t, host.PendingWake(background.DefaultWakeIdentifier), "next wake held until suspension")

	clock.Tick()
	require.Eventually(t, func() bool { return drv.Activations() == 2 }, 2*time.Second, time.Millisecond)
	snap, err := sched.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, signal.Active, snap.Kind(signal.Light).State)
}
