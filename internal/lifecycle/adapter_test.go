package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/background/backgroundtest"
	"pulsekeeper/internal/scheduler"
	logx "pulsekeeper/pkg/logx"
)

// recorder never completes wake tasks, leaving them open for expiry.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) EnteredBackground(context.Context) error { r.add("background"); return nil }

func (r *recorder) EnteringForeground(context.Context) error { r.add("foreground"); return nil }

func (r *recorder) GrantExpiring(context.Context) error { r.add("expiring"); return nil }

func (r *recorder) Wake(_ context.Context, t scheduler.WakeTask) error {
	r.add("wake:" + t.ID())
	return nil
}

func TestRunForwardsInOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	a := New(rec, Config{}, logx.Nop())

	events := make(chan Event, 4)
	events <- Event{Type: EnteredBackground}
	events <- Event{Type: GrantExpiring, TaskID: "t1"}
	events <- Event{Type: EnteringForeground}
	close(events)

	require.NoError(t, a.Run(context.Background(), events))
	assert.Equal(t, []string{"background", "expiring", "foreground"}, rec.Calls())
}

func TestHandleRejectsTasklessWake(t *testing.T) {
	t.Parallel()
	a := New(&recorder{}, Config{}, logx.Nop())
	assert.Error(t, a.Handle(context.Background(), Event{Type: Wake, TaskID: "x"}))
	assert.Error(t, a.Handle(context.Background(), Event{Type: EventType(99)}))
}

func TestBindRoutesWakeAndExpiry(t *testing.T) {
	t.Parallel()
	host := backgroundtest.NewHost()
	m := background.NewManager(host, background.Config{}, logx.Nop(), nil)
	defer m.Close()

	rec := &recorder{}
	a := New(rec, Config{ExpiryDeadline: time.Second}, logx.Nop())
	require.NoError(t, a.Bind(m))
	require.NoError(t, m.ScheduleRenewableWake("", 0))

	task, ok := host.Wake(background.DefaultWakeIdentifier)
	require.True(t, ok)
	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "wake:")
	completed, _ := task.Result()
	assert.False(t, completed)

	task.Expire()
	assert.Equal(t, "expiring", rec.Calls()[1])
	completed, success := task.Result()
	assert.True(t, completed)
	assert.True(t, success)
}

func TestEventTypeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "entered-background", EnteredBackground.String())
	assert.Equal(t, "grant-expiring", GrantExpiring.String())
	assert.Equal(t, "event(7)", EventType(7).String())
}
