// Package command maps external start/stop commands onto the scheduler and
// the light actuator.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

// ErrNotImplemented is returned for unrecognized commands.
var ErrNotImplemented = errors.New("command: not implemented")

const (
	TurnOn         = "turnOn"
	TurnOff        = "turnOff"
	StartFlashing  = "startFlashing"
	StopFlashing   = "stopFlashing"
	StartVibration = "startVibration"
	StopVibration  = "stopVibration"
)

// Methods lists the supported commands.
func Methods() []string {
	return []string{TurnOn, TurnOff, StartFlashing, StopFlashing, StartVibration, StopVibration}
}

type Scheduler interface {
	Start(ctx context.Context, k signal.Kind) error
	Stop(ctx context.Context, k signal.Kind) error
}

// Torch switches the light directly, outside any schedule.
type Torch interface {
	SetActive(ctx context.Context, on bool) error
}

// WorkerTorch runs SetActive on the light actuator's worker so direct torch
// control is serialized with scheduled pulses.
type WorkerTorch struct {
	Worker   *actuator.Worker
	Actuator *actuator.Actuator
}

func (w WorkerTorch) SetActive(ctx context.Context, on bool) error {
	name := "turn-off"
	if on {
		name = "turn-on"
	}
	return w.Worker.Do(ctx, name, func(ctx context.Context) error {
		return w.Actuator.SetActive(ctx, on)
	})
}

type sourceKey struct{}

// WithSource tags ctx with the caller identity for logs and events.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

type Surface struct {
	sched Scheduler
	torch Torch
	log   logx.Logger
	bus   eventbus.Bus
}

func New(sched Scheduler, torch Torch, log logx.Logger, bus eventbus.Bus) *Surface {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Surface{sched: sched, torch: torch, log: log, bus: bus}
}

// Handle runs method. Matching ignores case. Unknown methods return
// ErrNotImplemented and change nothing.
func (s *Surface) Handle(ctx context.Context, method string) error {
	canonical, ok := lookup(method)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNotImplemented, method)
		s.log.Warn("unknown command", logx.String("method", method), logx.String("source", sourceOf(ctx)))
		s.publish(ctx, method, err)
		return err
	}

	err := s.dispatch(ctx, canonical)
	if err != nil {
		s.log.Warn("command failed", logx.String("method", canonical), logx.String("source", sourceOf(ctx)), logx.Err(err))
	} else {
		s.log.Info("command handled", logx.String("method", canonical), logx.String("source", sourceOf(ctx)))
	}
	s.publish(ctx, canonical, err)
	return err
}

func (s *Surface) dispatch(ctx context.Context, method string) error {
	switch method {
	case TurnOn:
		return s.setTorch(ctx, true)
	case TurnOff:
		return s.setTorch(ctx, false)
	case StartFlashing:
		return s.sched.Start(ctx, signal.Light)
	case StopFlashing:
		return s.sched.Stop(ctx, signal.Light)
	case StartVibration:
		return s.sched.Start(ctx, signal.Haptic)
	case StopVibration:
		return s.sched.Stop(ctx, signal.Haptic)
	}
	return fmt.Errorf("%w: %q", ErrNotImplemented, method)
}

func (s *Surface) setTorch(ctx context.Context, on bool) error {
	if s.torch == nil {
		return fmt.Errorf("%w: no torch configured", ErrNotImplemented)
	}
	return s.torch.SetActive(ctx, on)
}

func (s *Surface) publish(ctx context.Context, method string, err error) {
	ev := eventbus.Command{Method: method, Source: sourceOf(ctx)}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCommand, Data: ev})
}

func lookup(method string) (string, bool) {
	m := strings.TrimSpace(method)
	for _, known := range Methods() {
		if strings.EqualFold(m, known) {
			return known, true
		}
	}
	return "", false
}
