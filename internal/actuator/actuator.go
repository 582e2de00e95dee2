// Package actuator drives one hardware signal (torch or haptic motor) behind a
// capability-checked Driver.
//
// # Sessions and tokens
//
// The scheduler owns the session lifecycle but never touches hardware on its
// own goroutine. It calls Arm (cheap, non-blocking) to obtain a token, then
// hands Open/Pulse work for that token to a Worker. Revoke invalidates the
// token at once; queued work carrying it is refused when it reaches the
// hardware lock, and a Close queued behind it tears the session down. After
// Revoke returns, no new hardware activation for the old token can start.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

type Config struct {
	Kind    signal.Kind
	Pattern Pattern
	// BusyRetryDelay is the pause before the single retry after ErrHardwareBusy.
	BusyRetryDelay time.Duration
}

type Actuator struct {
	cfg Config
	drv Driver
	log logx.Logger

	epoch atomic.Uint64

	// mu is held for the whole of every hardware call.
	mu        sync.Mutex
	open      bool
	openEpoch uint64

	// cmu guards the session context so Disarm can interrupt a pulse without waiting on mu.
	cmu        sync.Mutex
	sessCtx    context.Context
	sessCancel context.CancelFunc

	unavailableLogged atomic.Bool
	// degraded is set once the driver reports the feature missing mid-flight.
	degraded atomic.Bool
}

func New(cfg Config, drv Driver, log logx.Logger) *Actuator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(cfg.Pattern) == 0 {
		if cfg.Kind == signal.Haptic {
			cfg.Pattern = HapticPattern(0, 0)
		} else {
			cfg.Pattern = LightPattern(0)
		}
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = 50 * time.Millisecond
	}
	return &Actuator{cfg: cfg, drv: drv, log: log}
}

func (a *Actuator) Kind() signal.Kind { return a.cfg.Kind }

// SetPattern replaces the pulse pattern from the next pulse on. An empty
// pattern is ignored.
func (a *Actuator) SetPattern(p Pattern) {
	if len(p) == 0 {
		return
	}
	a.mu.Lock()
	a.cfg.Pattern = p
	a.mu.Unlock()
}

// Capable reports whether the underlying hardware feature exists.
func (a *Actuator) Capable() bool {
	return a.drv != nil && !a.degraded.Load() && a.drv.Available()
}

// IsOpen reports whether a session is currently open.
func (a *Actuator) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Arm revokes any previous token and returns a fresh one.
func (a *Actuator) Arm() uint64 { return a.epoch.Add(1) }

// Revoke invalidates the current token and interrupts an in-flight pulse
// without waiting for it. It never touches hardware.
func (a *Actuator) Revoke() {
	a.epoch.Add(1)
	a.cancelSession()
}

// Close tears down a session whose token has been revoked. A session opened
// under the current token is left alone, so a late Close never kills a newer
// session.
func (a *Actuator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open && a.openEpoch == a.epoch.Load() {
		return
	}
	a.closeLocked()
}

// Disarm is Revoke followed by Close. It blocks only until an interrupted
// pulse has switched the signal off.
func (a *Actuator) Disarm() {
	a.Revoke()
	a.Close()
}

// Open opens the session for token. It is a no-op when the session for token
// is already open and returns ErrSessionRevoked when token is stale.
func (a *Actuator) Open(ctx context.Context, token uint64) error {
	if !a.Capable() {
		a.noteUnavailable()
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.epoch.Load() != token {
		return ErrSessionRevoked
	}
	if a.open && a.openEpoch == token {
		return nil
	}
	a.closeLocked()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.drv.OpenSession(); err != nil {
		if a.degrade(err) {
			return nil
		}
		return fmt.Errorf("%w: open session: %v", ErrConfigurationFailed, err)
	}
	// Sessions start dark.
	if err := a.withLock(func() error { return a.setLevel(0) }); err != nil {
		_ = a.drv.CloseSession()
		if a.degrade(err) {
			return nil
		}
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	a.cmu.Lock()
	a.sessCtx, a.sessCancel = sctx, cancel
	a.cmu.Unlock()

	a.open = true
	a.openEpoch = token
	a.log.Debug("session opened", logx.Uint64("token", token))
	return nil
}

// Pulse plays the configured pattern once inside the session for token.
func (a *Actuator) Pulse(ctx context.Context, token uint64) error {
	if !a.Capable() {
		a.noteUnavailable()
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.epoch.Load() != token || !a.open || a.openEpoch != token {
		return ErrSessionRevoked
	}

	a.cmu.Lock()
	sctx := a.sessCtx
	a.cmu.Unlock()

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if sctx != nil {
		stop := context.AfterFunc(sctx, cancel)
		defer stop()
	}

	err := a.withLock(func() error { return a.play(pctx) })
	if err != nil && sctx != nil && sctx.Err() != nil {
		return ErrSessionRevoked
	}
	if a.degrade(err) {
		return nil
	}
	return err
}

// SetActive switches the signal on or off directly, outside any session.
func (a *Actuator) SetActive(ctx context.Context, on bool) error {
	if !a.Capable() {
		a.noteUnavailable()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	level := 0.0
	if on {
		level = a.cfg.Pattern.Peak()
	}
	err := a.withLock(func() error { return a.setLevel(level) })
	if a.degrade(err) {
		return nil
	}
	return err
}

func (a *Actuator) play(ctx context.Context) (err error) {
	defer func() {
		if offErr := a.setLevel(0); offErr != nil && err == nil {
			err = offErr
		}
	}()
	for _, st := range a.cfg.Pattern {
		if err := a.setLevel(st.Level); err != nil {
			return err
		}
		if st.Hold <= 0 {
			continue
		}
		t := time.NewTimer(st.Hold)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// withLock runs fn under the driver's exclusive lock, retrying a busy lock once.
func (a *Actuator) withLock(fn func() error) error {
	err := a.drv.Lock()
	if errors.Is(err, ErrHardwareBusy) {
		time.Sleep(a.cfg.BusyRetryDelay)
		err = a.drv.Lock()
	}
	if err != nil {
		if errors.Is(err, ErrHardwareBusy) || errors.Is(err, ErrCapabilityUnavailable) {
			return err
		}
		return fmt.Errorf("%w: lock: %v", ErrConfigurationFailed, err)
	}
	defer a.drv.Unlock()
	return fn()
}

func (a *Actuator) setLevel(level float64) error {
	if err := a.drv.SetLevel(level); err != nil {
		if errors.Is(err, ErrConfigurationFailed) || errors.Is(err, ErrHardwareBusy) || errors.Is(err, ErrCapabilityUnavailable) {
			return err
		}
		return fmt.Errorf("%w: set level %.2f: %v", ErrConfigurationFailed, level, err)
	}
	return nil
}

func (a *Actuator) closeLocked() {
	a.cancelSession()
	if !a.open {
		return
	}
	a.open = false
	if err := a.withLock(func() error { return a.setLevel(0) }); err != nil {
		a.log.Warn("signal off before close failed", logx.Err(err))
	}
	if err := a.drv.CloseSession(); err != nil {
		a.log.Warn("session close failed", logx.Err(err))
	}
	a.log.Debug("session closed")
}

func (a *Actuator) cancelSession() {
	a.cmu.Lock()
	cancel := a.sessCancel
	a.sessCtx, a.sessCancel = nil, nil
	a.cmu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// degrade turns the actuator into a no-op when err says the feature is
// missing. It reports whether it did.
func (a *Actuator) degrade(err error) bool {
	if !errors.Is(err, ErrCapabilityUnavailable) {
		return false
	}
	a.degraded.Store(true)
	a.noteUnavailable()
	return true
}

func (a *Actuator) noteUnavailable() {
	if a.unavailableLogged.CompareAndSwap(false, true) {
		a.log.Warn("hardware capability unavailable; running as no-op", logx.String("kind", a.cfg.Kind.String()))
	}
}
