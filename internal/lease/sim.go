package lease

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrDenied is returned by Sim while denial is switched on.
var ErrDenied = errors.New("lease: denied by host")

// Sim is an in-memory inhibitor used by the simulated host and tests.
type Sim struct {
	mu       sync.Mutex
	active   int
	acquired int
	deny     bool
}

func NewSim() *Sim { return &Sim{} }

func (s *Sim) Inhibit(ctx context.Context) (io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny {
		return nil, ErrDenied
	}
	s.active++
	s.acquired++
	return &simHandle{s: s}, nil
}

// SetDeny makes subsequent Inhibit calls fail.
func (s *Sim) SetDeny(v bool) {
	s.mu.Lock()
	s.deny = v
	s.mu.Unlock()
}

// Active is the number of outstanding inhibitions.
func (s *Sim) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Acquired counts successful Inhibit calls.
func (s *Sim) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

type simHandle struct {
	s    *Sim
	once sync.Once
}

func (h *simHandle) Close() error {
	h.once.Do(func() {
		h.s.mu.Lock()
		h.s.active--
		h.s.mu.Unlock()
	})
	return nil
}
