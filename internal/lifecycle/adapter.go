// Package lifecycle forwards host lifecycle events to the scheduler. It keeps
// no state of its own.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/scheduler"
	logx "pulsekeeper/pkg/logx"
)

// Scheduler is the subset of scheduler.Scheduler driven by lifecycle events.
type Scheduler interface {
	EnteredBackground(ctx context.Context) error
	EnteringForeground(ctx context.Context) error
	Wake(ctx context.Context, t scheduler.WakeTask) error
	GrantExpiring(ctx context.Context) error
}

type Config struct {
	// ExpiryDeadline bounds cleanup when a wake window is about to lapse.
	ExpiryDeadline time.Duration
	// WakeTimeout bounds the work done for one wake.
	WakeTimeout time.Duration
}

type Adapter struct {
	sched Scheduler
	cfg   Config
	log   logx.Logger
}

func New(s Scheduler, cfg Config, log logx.Logger) *Adapter {
	if cfg.ExpiryDeadline <= 0 {
		cfg.ExpiryDeadline = 2 * time.Second
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = 25 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{sched: s, cfg: cfg, log: log}
}

// Bind routes host wakes from m into the scheduler.
func (a *Adapter) Bind(m *background.Manager) error {
	return m.OnWake(a.wake)
}

func (a *Adapter) wake(t *background.WakeTask) {
	t.OnExpiring(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ExpiryDeadline)
		defer cancel()
		if err := a.Handle(ctx, Event{Type: GrantExpiring, TaskID: t.ID()}); err != nil {
			a.log.Error("wake expiry cleanup incomplete", logx.String("task", t.ID()), logx.Err(err))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WakeTimeout)
	defer cancel()
	a.log.Debug("lifecycle event", logx.String("event", Wake.String()), logx.String("task", t.ID()))
	if err := a.sched.Wake(ctx, t); err != nil {
		a.log.Warn("wake not served", logx.String("task", t.ID()), logx.Err(err))
	}
}

// Handle forwards ev. Wake events need a task and only arrive through Bind.
func (a *Adapter) Handle(ctx context.Context, ev Event) error {
	a.log.Debug("lifecycle event", logx.String("event", ev.Type.String()), logx.String("task", ev.TaskID))
	switch ev.Type {
	case EnteredBackground:
		return a.sched.EnteredBackground(ctx)
	case EnteringForeground:
		return a.sched.EnteringForeground(ctx)
	case GrantExpiring:
		return a.sched.GrantExpiring(ctx)
	case Wake:
		return fmt.Errorf("lifecycle: wake %q arrived without a task", ev.TaskID)
	default:
		return fmt.Errorf("lifecycle: unknown event %s", ev.Type)
	}
}

// Run forwards events until ctx is done or events is closed.
func (a *Adapter) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := a.Handle(ctx, ev); err != nil {
				a.log.Warn("lifecycle event failed", logx.String("event", ev.Type.String()), logx.Err(err))
			}
		}
	}
}
