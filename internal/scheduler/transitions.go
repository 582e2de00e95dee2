package scheduler

import (
	"context"
	"errors"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/background"
	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/lease"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

// Everything in this file runs on the owner goroutine.

func (s *Scheduler) start(k signal.Kind) []<-chan error {
	ks := s.kinds[k]
	if ks.desired && ks.state == signal.Active {
		return nil
	}
	ks.desired = true
	waits := s.ensureLease()
	s.ensureGrant()
	return append(waits, s.activate(ks, "start")...)
}

func (s *Scheduler) stop(k signal.Kind) []<-chan error {
	ks := s.kinds[k]
	if !ks.desired && ks.state == signal.Idle {
		return nil
	}
	ks.desired = false
	waits := s.deactivate(ks)
	s.setState(ks, signal.Idle, "stop")
	if !s.anyDesired() {
		s.releaseShared()
	}
	return waits
}

func (s *Scheduler) enteredBackground() []<-chan error {
	s.background = true
	if !s.anyDesired() {
		return nil
	}
	// Backgrounding is when the lease matters most; re-affirm it.
	waits := s.ensureLease()
	s.ensureGrant()
	return waits
}

func (s *Scheduler) enteringForeground() []<-chan error {
	s.background = false
	if !s.anyDesired() {
		return nil
	}
	waits := s.ensureLease()
	s.ensureGrant()
	for _, k := range signal.Kinds {
		ks, ok := s.kinds[k]
		if ok && ks.desired && ks.state != signal.Active {
			waits = append(waits, s.activate(ks, "foreground")...)
		}
	}
	return waits
}

func (s *Scheduler) wake(taskID string) []<-chan error {
	if !s.anyDesired() {
		s.log.Debug("wake with nothing desired", logx.String("task", taskID))
		return nil
	}
	// Renew before working in case the work outlives this window.
	s.scheduleWake()
	waits := s.ensureLease()
	s.ensureGrant()

	for _, k := range signal.Kinds {
		ks, ok := s.kinds[k]
		if !ok || !ks.desired {
			continue
		}
		if ks.state == signal.Active && ks.stopTimer != nil {
			// Still running on its own timer; an extra pulse would break the
			// cadence.
			continue
		}
		waits = append(waits, s.activate(ks, "wake")...)
		waits = append(waits, s.pulse(ks)...)
	}
	return waits
}

// grantExpiring handles an expiry. seq identifies the immediate grant that
// is expiring; 0 means the whole execution window (a wake task) is ending.
func (s *Scheduler) grantExpiring(seq uint64) []<-chan error {
	if seq != 0 && seq != s.heldSeq {
		s.log.Debug("expiry for a grant no longer held", logx.Uint64("seq", seq))
		return nil
	}
	var waits []<-chan error
	for _, k := range signal.Kinds {
		ks, ok := s.kinds[k]
		if !ok || ks.state != signal.Active {
			continue
		}
		waits = append(waits, s.deactivate(ks)...)
		s.setState(ks, signal.Suspended, "grant-expiring")
	}
	s.endGrant()
	if s.anyDesired() {
		s.scheduleWake()
	}
	return waits
}

func (s *Scheduler) tick(k signal.Kind, gen uint64) {
	ks := s.kinds[k]
	if gen != ks.timerGen || ks.state != signal.Active {
		s.log.Trace("stale tick dropped", logx.String("kind", k.String()))
		return
	}
	s.pulse(ks)
}

func (s *Scheduler) shutdown() {
	for _, k := range signal.Kinds {
		ks, ok := s.kinds[k]
		if !ok {
			continue
		}
		s.cancelTimer(ks)
		ks.sig.Actuator.Revoke()
		ks.sig.Actuator.Close()
		ks.token = 0
		if ks.state != signal.Idle {
			s.setState(ks, signal.Idle, "shutdown")
		}
	}
	s.endGrant()
	s.lease.Release()
}

func (s *Scheduler) activate(ks *kindState, cause string) []<-chan error {
	act := ks.sig.Actuator
	tok := act.Arm()
	ks.token = tok
	waits := s.dispatch(ks, "open", func(ctx context.Context) error {
		return act.Open(ctx, tok)
	})
	s.startTimer(ks)
	s.setState(ks, signal.Active, cause)
	return waits
}

// deactivate revokes the kind's token at once and queues the session close
// behind whatever hardware work is already in flight.
func (s *Scheduler) deactivate(ks *kindState) []<-chan error {
	s.cancelTimer(ks)
	act := ks.sig.Actuator
	act.Revoke()
	ks.token = 0

	waits := s.dispatch(ks, "close", func(context.Context) error {
		act.Close()
		return nil
	})
	if waits != nil {
		return waits
	}
	// Queue full. Close is token-aware, so running it out of band cannot
	// hurt a newer session.
	done := make(chan error, 1)
	go func() {
		act.Close()
		done <- nil
	}()
	return []<-chan error{done}
}

func (s *Scheduler) pulse(ks *kindState) []<-chan error {
	act := ks.sig.Actuator
	tok := ks.token
	kind := ks.kind.String()
	return s.dispatch(ks, "pulse", func(ctx context.Context) error {
		err := act.Open(ctx, tok)
		if err == nil {
			err = act.Pulse(ctx, tok)
		}
		if errors.Is(err, actuator.ErrSessionRevoked) {
			return err
		}
		ev := eventbus.Pulse{Kind: kind}
		if err != nil {
			ev.Err = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypePulse, Data: ev})
		return err
	})
}

func (s *Scheduler) dispatch(ks *kindState, name string, fn func(ctx context.Context) error) []<-chan error {
	ch, ok := ks.sig.Worker.Go(ks.kind.String()+"."+name, fn)
	if !ok {
		return nil
	}
	return []<-chan error{ch}
}

func (s *Scheduler) startTimer(ks *kindState) {
	s.cancelTimer(ks)
	gen := ks.timerGen
	k := ks.kind
	ks.stopTimer = s.clock.Every(s.cfg.Period, func() {
		s.post("tick", func() { s.tick(k, gen) })
	})
}

// cancelTimer stops the timer and bumps the generation so ticks already in
// the mailbox are dropped.
func (s *Scheduler) cancelTimer(ks *kindState) {
	if ks.stopTimer != nil {
		ks.stopTimer()
		ks.stopTimer = nil
	}
	ks.timerGen++
}

func (s *Scheduler) anyDesired() bool {
	for _, ks := range s.kinds {
		if ks.desired {
			return true
		}
	}
	return false
}

// ensureLease acquires the lease off the owner goroutine, since a backend
// may block on the system bus. Callers wait on the returned channel; the
// owner keeps handling messages meanwhile. A release that lands first makes
// the late acquisition drop its handle.
func (s *Scheduler) ensureLease() []<-chan error {
	if s.lease.Held() {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaseTimeout)
		defer cancel()
		err := s.lease.Acquire(ctx)
		switch {
		case err == nil:
		case errors.Is(err, lease.ErrReleased):
			s.log.Debug("keep-alive lease released before acquisition finished")
		default:
			s.log.Warn("keep-alive lease not acquired", logx.Err(err))
		}
		done <- nil
	}()
	return []<-chan error{done}
}

func (s *Scheduler) ensureGrant() {
	if s.grants.Valid(s.grant) {
		return
	}
	s.grantSeq++
	seq := s.grantSeq
	h, err := s.grants.BeginGrant(s.onGrantExpiring(seq))
	if err != nil {
		s.log.Warn("no background grant; running foreground-only", logx.Err(err))
		s.grant = background.Handle{}
		s.heldSeq = 0
		return
	}
	s.grant = h
	s.heldSeq = seq
}

func (s *Scheduler) endGrant() {
	if !s.grant.IsZero() {
		s.grants.EndGrant(s.grant)
	}
	s.grant = background.Handle{}
	s.heldSeq = 0
}

func (s *Scheduler) releaseShared() {
	s.endGrant()
	s.lease.Release()
	s.grants.CancelWake(s.grants.WakeIdentifier())
}

func (s *Scheduler) scheduleWake() {
	// Failures are logged and retried by the grant manager.
	_ = s.grants.ScheduleRenewableWake(s.grants.WakeIdentifier(), s.cfg.WakeNotBefore)
}

func (s *Scheduler) setState(ks *kindState, to signal.State, cause string) {
	from := ks.state
	ks.state = to
	if from == to {
		return
	}
	s.log.Info("signal transition",
		logx.String("kind", ks.kind.String()),
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.String("cause", cause),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTransition, Data: eventbus.Transition{
		Kind:  ks.kind.String(),
		From:  from.String(),
		To:    to.String(),
		Cause: cause,
	}})
}
