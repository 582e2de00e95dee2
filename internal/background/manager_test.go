package background_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/background/backgroundtest"
	"pulsekeeper/internal/eventbus"
	logx "pulsekeeper/pkg/logx"
)

func newManager(t *testing.T, cfg background.Config) (*background.Manager, *backgroundtest.Host) {
	t.Helper()
	host := backgroundtest.NewHost()
	m := background.NewManager(host, cfg, logx.Nop(), eventbus.New())
	t.Cleanup(m.Close)
	return m, host
}

func TestBeginEndGrant(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{})

	h, err := m.BeginGrant(nil)
	require.NoError(t, err)
	assert.False(t, h.IsZero())
	assert.True(t, m.Valid(h))
	assert.Equal(t, 1, host.LiveGrants())

	m.EndGrant(h)
	m.EndGrant(h)
	m.EndGrant(background.Handle{})
	assert.False(t, m.Valid(h))
	assert.Equal(t, 0, host.LiveGrants())
	assert.Equal(t, 1, host.Ended())
}

func TestGrantExpiryRunsCallbackThenEnds(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{})

	var liveDuringCallback int
	calls := 0
	h, err := m.BeginGrant(func() {
		calls++
		liveDuringCallback = host.LiveGrants()
	})
	require.NoError(t, err)

	host.ExpireAll()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, liveDuringCallback, "host task must outlive the cleanup callback")
	assert.Equal(t, 0, host.LiveGrants())
	assert.False(t, m.Valid(h), "an expired token is never valid again")

	m.EndGrant(h)
	assert.Equal(t, 1, host.Ended())
}

func TestGrantDenied(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{})
	host.DenyBegin(true)

	h, err := m.BeginGrant(nil)
	assert.ErrorIs(t, err, background.ErrGrantDenied)
	assert.True(t, h.IsZero())
	assert.Equal(t, 0, m.ActiveGrants())
}

func TestScheduleRenewableWake(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{})
	require.NoError(t, m.OnWake(func(*background.WakeTask) {}))

	before := time.Now()
	require.NoError(t, m.ScheduleRenewableWake("", time.Second))

	subs := host.Submits()
	require.Len(t, subs, 1)
	assert.Equal(t, background.DefaultWakeIdentifier, subs[0].Identifier)
	assert.False(t, subs[0].RequiresNetwork)
	assert.False(t, subs[0].RequiresExternalPower)
	assert.False(t, subs[0].EarliestBegin.Before(before.Add(time.Second)))

	m.CancelWake("")
	assert.False(t, host.Pending(background.DefaultWakeIdentifier))
}

func TestWakeFailureBacksOffAndRecovers(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		MaxWakeRetries: 5,
	})
	require.NoError(t, m.OnWake(func(*background.WakeTask) {}))
	host.DenySubmits(2)

	err := m.ScheduleRenewableWake("", time.Second)
	assert.ErrorIs(t, err, background.ErrWakeSchedulingFailed)
	assert.Equal(t, 1, m.WakeFailures())

	require.Eventually(t, func() bool {
		return len(host.Submits()) == 1 && m.WakeFailures() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestWakeRetriesStopAtLimit(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		MaxWakeRetries: 2,
	})
	require.NoError(t, m.OnWake(func(*background.WakeTask) {}))
	host.DenySubmits(100)

	_ = m.ScheduleRenewableWake("", time.Second)
	require.Eventually(t, func() bool { return m.WakeFailures() == 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, m.WakeFailures())
	assert.Empty(t, host.Submits())
}

func TestWakeTaskLifecycle(t *testing.T) {
	t.Parallel()
	m, host := newManager(t, background.Config{})

	got := make(chan *background.WakeTask, 1)
	require.NoError(t, m.OnWake(func(wt *background.WakeTask) { got <- wt }))
	require.NoError(t, m.ScheduleRenewableWake("", 0))

	ht, ok := host.Wake(background.DefaultWakeIdentifier)
	require.True(t, ok)
	wt := <-got
	assert.NotEmpty(t, wt.ID())

	expired := 0
	wt.OnExpiring(func() { expired++ })
	ht.Expire()
	assert.Equal(t, 1, expired)

	completed, success := ht.Result()
	assert.True(t, completed)
	assert.True(t, success, "expiry reports success; intent stays armed")

	// Later completions are ignored.
	wt.Complete(false)
	_, success = ht.Result()
	assert.True(t, success)
	ht.Expire()
	assert.Equal(t, 1, expired)
}

func TestCloseEndsLiveGrants(t *testing.T) {
	t.Parallel()
	host := backgroundtest.NewHost()
	m := background.NewManager(host, background.Config{}, logx.Nop(), nil)
	_, err := m.BeginGrant(nil)
	require.NoError(t, err)
	_, err = m.BeginGrant(nil)
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, 0, host.LiveGrants())
	_, err = m.BeginGrant(nil)
	assert.ErrorIs(t, err, background.ErrGrantDenied)
}
