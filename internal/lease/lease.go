// Package lease holds the keep-alive lease: a host-level inhibitor that, while
// held, tells the host the process is doing continuous work.
package lease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logx "pulsekeeper/pkg/logx"
)

// ErrUnavailable is returned by Acquire when the backend refused or could not
// be reached. Callers treat it as non-fatal.
var ErrUnavailable = errors.New("lease: unavailable")

// ErrReleased is returned by Acquire when Release ran while the backend was
// still answering. The late handle is closed, not kept.
var ErrReleased = errors.New("lease: released during acquisition")

// Inhibitor is a lease backend. The returned Closer releases the inhibition.
type Inhibitor interface {
	Inhibit(ctx context.Context) (io.Closer, error)
}

type attempt struct {
	gen  uint64
	done chan struct{}
	err  error
}

// Lease is an idempotent wrapper around an Inhibitor. The backend is called
// without holding the lock, so Held and Release never wait on it.
type Lease struct {
	inh Inhibitor
	log logx.Logger

	mu      sync.Mutex
	handle  io.Closer
	gen     uint64
	pending *attempt
	// onChange is notified after every state change (metrics).
	onChange func(held bool)
}

func New(inh Inhibitor, log logx.Logger) *Lease {
	if inh == nil {
		inh = None{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lease{inh: inh, log: log}
}

// OnChange registers fn to observe held/released transitions.
func (l *Lease) OnChange(fn func(held bool)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Acquire takes the lease. Acquiring a held lease is a no-op, and concurrent
// callers share one backend call.
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.handle != nil {
		l.mu.Unlock()
		return nil
	}
	if a := l.pending; a != nil && a.gen == l.gen {
		l.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{gen: l.gen, done: make(chan struct{})}
	l.pending = a
	l.mu.Unlock()
	defer close(a.done)

	h, err := l.inh.Inhibit(ctx)

	l.mu.Lock()
	if l.pending == a {
		l.pending = nil
	}
	if err != nil {
		l.mu.Unlock()
		a.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return a.err
	}
	if h == nil {
		h = nopCloser{}
	}
	if a.gen != l.gen || l.handle != nil {
		l.mu.Unlock()
		if cerr := h.Close(); cerr != nil {
			l.log.Warn("keep-alive lease release failed", logx.Err(cerr))
		}
		a.err = ErrReleased
		return a.err
	}
	l.handle = h
	if l.onChange != nil {
		l.onChange(true)
	}
	l.mu.Unlock()
	l.log.Info("keep-alive lease acquired")
	return nil
}

// Release drops the lease and abandons any acquisition in flight. Releasing
// an unheld lease is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	l.gen++
	h := l.handle
	l.handle = nil
	if h != nil && l.onChange != nil {
		l.onChange(false)
	}
	l.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		l.log.Warn("keep-alive lease release failed", logx.Err(err))
	}
	l.log.Info("keep-alive lease released")
}

func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// None is a backend that always succeeds and does nothing.
type None struct{}

func (None) Inhibit(context.Context) (io.Closer, error) { return nopCloser{}, nil }
