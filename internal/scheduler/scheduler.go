package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

// ErrUnknownKind is returned for a kind with no configured signal.
var ErrUnknownKind = errors.New("scheduler: unknown signal kind")

type Deps struct {
	Signals map[signal.Kind]Signal
	Grants  Grants
	Lease   Lease
	Clock   Clock
	Bus     eventbus.Bus
	Log     logx.Logger
}

type message struct {
	name string
	fn   func()
}

type kindState struct {
	kind    signal.Kind
	sig     Signal
	desired bool
	state   signal.State
	token   uint64

	timerGen  uint64
	stopTimer func()
}

type Scheduler struct {
	log    logx.Logger
	bus    eventbus.Bus
	clock  Clock
	grants Grants
	lease  Lease

	mailbox chan message
	done    chan struct{}
	running atomic.Bool
	expiry  time.Duration

	// Owned by the Run goroutine.
	cfg        Config
	kinds      map[signal.Kind]*kindState
	grant      background.Handle
	grantSeq   uint64
	heldSeq    uint64
	background bool
}

func New(cfg Config, d Deps) *Scheduler {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Discard
	}
	s := &Scheduler{
		log:     log,
		bus:     bus,
		clock:   d.Clock,
		grants:  d.Grants,
		lease:   d.Lease,
		mailbox: make(chan message, cfg.MailboxSize),
		done:    make(chan struct{}),
		expiry:  cfg.ExpiryDeadline,
		cfg:     cfg,
		kinds:   map[signal.Kind]*kindState{},
	}
	for _, k := range signal.Kinds {
		sig, ok := d.Signals[k]
		if !ok || sig.Actuator == nil || sig.Worker == nil {
			continue
		}
		s.kinds[k] = &kindState{kind: k, sig: sig, state: signal.Idle}
	}
	return s
}

// Run owns scheduler state until ctx is done. On exit every session is
// closed, the grant ended and the lease released; a pending wake request is
// left with the host.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer close(s.done)
	s.log.Info("scheduler started", logx.Duration("period", s.cfg.Period), logx.Int("kinds", len(s.kinds)))
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.log.Info("scheduler stopped")
			return nil
		case m := <-s.mailbox:
			s.exec(m)
		}
	}
}

// Done is closed after Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) exec(m message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduler", logx.String("msg", m.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	m.fn()
}

// call runs op on the owner goroutine, then waits for the hardware work it
// queued. Hardware errors are logged by the worker, not returned.
func (s *Scheduler) call(ctx context.Context, name string, op func() []<-chan error) error {
	reply := make(chan []<-chan error, 1)
	msg := message{name: name, fn: func() {
		var waits []<-chan error
		defer func() { reply <- waits }()
		waits = op()
	}}
	select {
	case s.mailbox <- msg:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var waits []<-chan error
	select {
	case waits = <-reply:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// post enqueues fn without waiting. Used for timer ticks.
func (s *Scheduler) post(name string, fn func()) {
	select {
	case s.mailbox <- message{name: name, fn: fn}:
	default:
		s.log.Warn("scheduler mailbox full; dropping message", logx.String("msg", name))
	}
}

func (s *Scheduler) kindOf(k signal.Kind) (*kindState, error) {
	ks, ok := s.kinds[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return ks, nil
}

// Start makes k desired and activates it. Starting an active kind is a no-op.
func (s *Scheduler) Start(ctx context.Context, k signal.Kind) error {
	if _, err := s.kindOf(k); err != nil {
		return err
	}
	return s.call(ctx, "start", func() []<-chan error { return s.start(k) })
}

// Stop clears k's desired state and tears it down. Stopping an idle kind is
// a no-op.
func (s *Scheduler) Stop(ctx context.Context, k signal.Kind) error {
	if _, err := s.kindOf(k); err != nil {
		return err
	}
	return s.call(ctx, "stop", func() []<-chan error { return s.stop(k) })
}

func (s *Scheduler) EnteredBackground(ctx context.Context) error {
	return s.call(ctx, "entered-background", s.enteredBackground)
}

func (s *Scheduler) EnteringForeground(ctx context.Context) error {
	return s.call(ctx, "entering-foreground", s.enteringForeground)
}

// Wake serves a host wake: the next wake is registered first, then each
// desired kind that is not already running on its timer is reactivated and
// pulsed once. t is completed successfully once that pulse work has finished.
func (s *Scheduler) Wake(ctx context.Context, t WakeTask) error {
	id := t.ID()
	err := s.call(ctx, "wake", func() []<-chan error { return s.wake(id) })
	t.Complete(err == nil)
	return err
}

// GrantExpiring tears every active kind down to Suspended, ends the grant and
// registers a wake if anything is still desired. It returns once the sessions
// are closed or ctx is done.
func (s *Scheduler) GrantExpiring(ctx context.Context) error {
	return s.call(ctx, "grant-expiring", func() []<-chan error { return s.grantExpiring(0) })
}

// SetPeriod changes the pulse period. Active timers keep their period until
// the kind is next activated.
func (s *Scheduler) SetPeriod(ctx context.Context, d time.Duration) error {
	if d < MinPeriod {
		return fmt.Errorf("period %v below minimum %v", d, MinPeriod)
	}
	return s.call(ctx, "set-period", func() []<-chan error {
		if s.cfg.Period != d {
			s.log.Info("pulse period changed", logx.Duration("from", s.cfg.Period), logx.Duration("to", d))
			s.cfg.Period = d
		}
		return nil
	})
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, "snapshot", func() []<-chan error {
		snap = Snapshot{
			Background: s.background,
			GrantHeld:  s.grants.Valid(s.grant),
			LeaseHeld:  s.lease.Held(),
			Period:     s.cfg.Period,
		}
		for _, k := range signal.Kinds {
			if ks, ok := s.kinds[k]; ok {
				snap.Kinds = append(snap.Kinds, KindSnapshot{Kind: k, Desired: ks.desired, State: ks.state})
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	// IsOpen waits on the hardware lock, so it is read here and not on the
	// owner goroutine.
	for i := range snap.Kinds {
		snap.Kinds[i].SessionOpen = s.kinds[snap.Kinds[i].Kind].sig.Actuator.IsOpen()
	}
	return snap, nil
}

func (s *Scheduler) onGrantExpiring(seq uint64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.expiry)
		defer cancel()
		err := s.call(ctx, "grant-expiring", func() []<-chan error { return s.grantExpiring(seq) })
		if err != nil {
			s.log.Error("grant expiry cleanup incomplete", logx.Err(err))
		}
	}
}
