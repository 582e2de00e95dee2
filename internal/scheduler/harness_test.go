package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/background"
	"pulsekeeper/internal/background/backgroundtest"
	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/lease"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

// manualClock fires only when told to. Stopped timers are kept so tests can
// replay a tick that raced with cancellation.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	period  time.Duration
	fn      func()
	stopped bool
}

func (c *manualClock) Every(period time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	mt := &manualTimer{period: period, fn: fn}
	c.timers = append(c.timers, mt)
	return func() {
		c.mu.Lock()
		mt.stopped = true
		c.mu.Unlock()
	}
}

// Fire runs every live timer once.
func (c *manualClock) Fire() { c.fire(false) }

// FireStale also runs timers that were stopped, as a late delivery would.
func (c *manualClock) FireStale() { c.fire(true) }

func (c *manualClock) fire(stale bool) {
	c.mu.Lock()
	var fns []func()
	for _, mt := range c.timers {
		if stale || !mt.stopped {
			fns = append(fns, mt.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *manualClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, mt := range c.timers {
		if !mt.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	ctx      context.Context
	s        *Scheduler
	host     *backgroundtest.Host
	grants   *background.Manager
	lease    *lease.Lease
	leaseSim *lease.Sim
	clock    *manualClock
	bus      eventbus.Bus
	drivers  map[signal.Kind]*actuator.SimDriver
	close    func()
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	h := buildHarness()
	t.Cleanup(h.close)
	return h
}

func buildHarness() *harness { return buildHarnessWith(nil) }

// buildHarnessWith uses inh as the lease backend; nil means leaseSim.
func buildHarnessWith(inh lease.Inhibitor) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		ctx:      ctx,
		host:     backgroundtest.NewHost(),
		leaseSim: lease.NewSim(),
		clock:    &manualClock{},
		bus:      eventbus.New(),
		drivers:  map[signal.Kind]*actuator.SimDriver{},
	}
	if inh == nil {
		inh = h.leaseSim
	}
	h.lease = lease.New(inh, logx.Nop())
	// Retries are exercised in the background package; keep them out of the way here.
	h.grants = background.NewManager(h.host, background.Config{BackoffBase: time.Hour, BackoffMax: time.Hour}, logx.Nop(), h.bus)

	sigs := map[signal.Kind]Signal{}
	var wg sync.WaitGroup
	for _, k := range signal.Kinds {
		drv := actuator.NewSimDriver(k.String(), true, logx.Nop())
		pattern := actuator.LightPattern(time.Millisecond)
		if k == signal.Haptic {
			pattern = actuator.HapticPattern(time.Millisecond, time.Millisecond)
		}
		act := actuator.New(actuator.Config{Kind: k, Pattern: pattern, BusyRetryDelay: time.Millisecond}, drv, logx.Nop())
		w := actuator.NewWorker(k.String(), 64, 5*time.Second, logx.Nop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
		h.drivers[k] = drv
		sigs[k] = Signal{Actuator: act, Worker: w}
	}

	h.s = New(Config{Period: time.Second, ExpiryDeadline: 5 * time.Second}, Deps{
		Signals: sigs,
		Grants:  h.grants,
		Lease:   h.lease,
		Clock:   h.clock,
		Bus:     h.bus,
		Log:     logx.Nop(),
	})
	_ = h.grants.OnWake(func(wt *background.WakeTask) {
		wt.OnExpiring(func() { _ = h.s.GrantExpiring(context.Background()) })
		_ = h.s.Wake(ctx, wt)
	})
	go func() { _ = h.s.Run(ctx) }()

	h.close = func() {
		cancel()
		<-h.s.Done()
		wg.Wait()
		h.grants.Close()
	}
	return h
}

func (h *harness) start(t testing.TB, k signal.Kind) {
	t.Helper()
	require.NoError(t, h.s.Start(h.ctx, k))
}

func (h *harness) stop(t testing.TB, k signal.Kind) {
	t.Helper()
	require.NoError(t, h.s.Stop(h.ctx, k))
}

func (h *harness) snapshot(t testing.TB) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot(h.ctx)
	require.NoError(t, err)
	return snap
}

// wake fires the pending host wake and waits for the scheduler to finish it.
func (h *harness) wake(t testing.TB) *backgroundtest.Task {
	t.Helper()
	task, ok := h.host.Wake(background.DefaultWakeIdentifier)
	require.True(t, ok, "no wake pending")
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("wake task never completed")
	}
	return task
}
