// Package metrics exposes scheduler activity as Prometheus metrics.
//
// Metrics are fed from the event bus so no scheduler code depends on
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/signal"
)

const namespace = "pulsekeeper"

var states = []signal.State{signal.Idle, signal.Active, signal.Suspended}

// Registry owns a private Prometheus registry with the daemon's collectors
// and the Go runtime collectors.
type Registry struct {
	reg *prometheus.Registry

	pulses       *prometheus.CounterVec
	signalState  *prometheus.GaugeVec
	grantsActive prometheus.Gauge
	wakeFailures prometheus.Counter
	wakes        prometheus.Counter
	leaseHeld    prometheus.Gauge
	commands     *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Signal pulses played, by kind and result.",
		}, []string{"kind", "result"}),
		signalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_state",
			Help:      "1 for the current state of each signal kind, 0 otherwise.",
		}, []string{"kind", "state"}),
		grantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grants_active",
			Help:      "Background execution grants currently held.",
		}),
		wakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_failures_total",
			Help:      "Wake task submissions rejected by the host.",
		}),
		wakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakes_scheduled_total",
			Help:      "Wake tasks submitted to the host.",
		}),
		leaseHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lease_held",
			Help:      "1 while the keep-alive lease is held.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command surface invocations, by method and result.",
		}, []string{"method", "result"}),
	}
	r.reg.MustRegister(
		r.pulses, r.signalState, r.grantsActive, r.wakeFailures, r.wakes, r.leaseHeld, r.commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, k := range signal.Kinds {
		r.setState(k.String(), signal.Idle.String())
	}
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Observe updates collectors for one bus event. Unknown events are ignored.
func (r *Registry) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.Pulse:
		r.pulses.WithLabelValues(label(d.Kind), result(d.Err)).Inc()
	case eventbus.Transition:
		r.setState(label(d.Kind), d.To)
	case eventbus.Grant:
		switch ev.Type {
		case eventbus.TypeGrantBegin:
			r.grantsActive.Inc()
		case eventbus.TypeGrantEnd:
			r.grantsActive.Dec()
		}
	case eventbus.Wake:
		switch ev.Type {
		case eventbus.TypeWakeScheduled:
			r.wakes.Inc()
		case eventbus.TypeWakeFailed:
			r.wakeFailures.Inc()
		}
	case eventbus.Lease:
		if d.Held {
			r.leaseHeld.Set(1)
		} else {
			r.leaseHeld.Set(0)
		}
	case eventbus.Command:
		r.commands.WithLabelValues(label(d.Method), result(d.Err)).Inc()
	}
}

// Run feeds bus events into the registry until ctx is done.
func (r *Registry) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Observe(ev)
		}
	}
}

func (r *Registry) setState(kind, current string) {
	for _, st := range states {
		v := 0.0
		if st.String() == current {
			v = 1
		}
		r.signalState.WithLabelValues(kind, st.String()).Set(v)
	}
}

func result(errText string) string {
	if errText == "" {
		return "ok"
	}
	return "error"
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return strings.ToLower(v)
}
