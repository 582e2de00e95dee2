package scheduler

import (
	"context"
	"errors"
	"time"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/signal"
)

// ErrStopped is returned once Run has exited.
var ErrStopped = errors.New("scheduler: stopped")

type Config struct {
	// Period between pulses while active.
	Period time.Duration
	// WakeNotBefore is the minimum delay requested for renewable wakes.
	WakeNotBefore time.Duration
	// ExpiryDeadline bounds the synchronous cleanup when a grant expires.
	ExpiryDeadline time.Duration
	// LeaseTimeout bounds one keep-alive lease acquisition.
	LeaseTimeout time.Duration
	MailboxSize  int
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.WakeNotBefore <= 0 {
		c.WakeNotBefore = time.Second
	}
	if c.ExpiryDeadline <= 0 {
		c.ExpiryDeadline = 2 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	return c
}

// Actuator is the scheduler's view of actuator.Actuator.
type Actuator interface {
	Arm() uint64
	Revoke()
	Close()
	Open(ctx context.Context, token uint64) error
	Pulse(ctx context.Context, token uint64) error
	IsOpen() bool
}

// Runner queues hardware work. actuator.Worker implements it.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error) (<-chan error, bool)
}

// Grants is the scheduler's view of background.Manager.
type Grants interface {
	BeginGrant(onExpiring func()) (background.Handle, error)
	EndGrant(h background.Handle)
	Valid(h background.Handle) bool
	ScheduleRenewableWake(identifier string, notBefore time.Duration) error
	CancelWake(identifier string)
	WakeIdentifier() string
}

// Lease is the keep-alive lease.
type Lease interface {
	Acquire(ctx context.Context) error
	Release()
	Held() bool
}

// WakeTask is a host wake being served.
type WakeTask interface {
	ID() string
	Complete(success bool)
}

// Signal bundles one kind's actuator with its worker.
type Signal struct {
	Actuator Actuator
	Worker   Runner
}

type KindSnapshot struct {
	Kind        signal.Kind  `json:"kind"`
	Desired     bool         `json:"desired"`
	State       signal.State `json:"state"`
	SessionOpen bool         `json:"session_open"`
}

type Snapshot struct {
	Kinds      []KindSnapshot `json:"kinds"`
	Background bool           `json:"background"`
	GrantHeld  bool           `json:"grant_held"`
	LeaseHeld  bool           `json:"lease_held"`
	Period     time.Duration  `json:"period"`
}

// Kind returns the snapshot for k.
func (s Snapshot) Kind(k signal.Kind) KindSnapshot {
	for _, ks := range s.Kinds {
		if ks.Kind == k {
			return ks
		}
	}
	return KindSnapshot{Kind: k}
}
