package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/eventbus"
)

func TestObserveUpdatesCollectors(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Observe(eventbus.Event{Type: eventbus.TypePulse, Data: eventbus.Pulse{Kind: "light"}})
	r.Observe(eventbus.Event{Type: eventbus.TypePulse, Data: eventbus.Pulse{Kind: "light", Err: "busy"}})
	r.Observe(eventbus.Event{Type: eventbus.TypePulse, Data: eventbus.Pulse{Kind: "light"}})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pulses.WithLabelValues("light", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pulses.WithLabelValues("light", "error")))

	r.Observe(eventbus.Event{Type: eventbus.TypeTransition, Data: eventbus.Transition{Kind: "haptic", From: "idle", To: "active"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signalState.WithLabelValues("haptic", "active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.signalState.WithLabelValues("haptic", "idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signalState.WithLabelValues("light", "idle")))

	r.Observe(eventbus.Event{Type: eventbus.TypeGrantBegin, Data: eventbus.Grant{Token: "a"}})
	r.Observe(eventbus.Event{Type: eventbus.TypeGrantBegin, Data: eventbus.Grant{Token: "b"}})
	r.Observe(eventbus.Event{Type: eventbus.TypeGrantEnd, Data: eventbus.Grant{Token: "a"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.grantsActive))

	r.Observe(eventbus.Event{Type: eventbus.TypeWakeScheduled, Data: eventbus.Wake{Identifier: "x"}})
	r.Observe(eventbus.Event{Type: eventbus.TypeWakeFailed, Data: eventbus.Wake{Identifier: "x", Err: "denied"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.wakes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.wakeFailures))

	r.Observe(eventbus.Event{Type: eventbus.TypeLease, Data: eventbus.Lease{Held: true}})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.leaseHeld))

	r.Observe(eventbus.Event{Type: eventbus.TypeCommand, Data: eventbus.Command{Method: "Foo", Err: "not implemented"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("foo", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Observe(eventbus.Event{Type: eventbus.TypeLease, Data: eventbus.Lease{Held: true}})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pulsekeeper_lease_held 1"), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, bus)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeLease, Data: eventbus.Lease{Held: true}})
		return testutil.ToFloat64(r.leaseHeld) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
