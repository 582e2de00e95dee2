// Package backgroundtest provides a scripted background.Host for tests. Nothing
// happens on its own: tests fire expiries and wakes explicitly.
package backgroundtest

import (
	"errors"
	"sync"

	"pulsekeeper/internal/background"
)

var (
	ErrDenied        = errors.New("backgroundtest: denied")
	ErrNotRegistered = errors.New("backgroundtest: identifier not registered")
)

type Host struct {
	mu sync.Mutex

	next      background.TaskID
	live      map[background.TaskID]func()
	begun     int
	ended     int
	denyBegin bool

	submits    []background.WakeRequest
	denySubmit int
	pending    map[string]background.WakeRequest
	cancels    int
	launchers  map[string]func(background.HostTask)
	tasks      []*Task
}

func NewHost() *Host {
	return &Host{
		live:      map[background.TaskID]func(){},
		pending:   map[string]background.WakeRequest{},
		launchers: map[string]func(background.HostTask){},
	}
}

func (h *Host) BeginTask(_ string, expiring func()) (background.TaskID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyBegin {
		return 0, ErrDenied
	}
	h.next++
	h.live[h.next] = expiring
	h.begun++
	return h.next, nil
}

func (h *Host) EndTask(id background.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[id]; ok {
		delete(h.live, id)
		h.ended++
	}
}

func (h *Host) Submit(req background.WakeRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denySubmit > 0 {
		h.denySubmit--
		return ErrDenied
	}
	if _, ok := h.launchers[req.Identifier]; !ok {
		return ErrNotRegistered
	}
	h.submits = append(h.submits, req)
	h.pending[req.Identifier] = req
	return nil
}

func (h *Host) Cancel(identifier string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, identifier)
	h.cancels++
}

func (h *Host) Register(identifier string, launch func(background.HostTask)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launchers[identifier] = launch
	return nil
}

// DenyBegin makes BeginTask fail while v is true.
func (h *Host) DenyBegin(v bool) {
	h.mu.Lock()
	h.denyBegin = v
	h.mu.Unlock()
}

// DenySubmits makes the next n Submit calls fail.
func (h *Host) DenySubmits(n int) {
	h.mu.Lock()
	h.denySubmit = n
	h.mu.Unlock()
}

// ExpireAll fires the expiry handler of every live grant, synchronously.
func (h *Host) ExpireAll() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.live))
	for _, fn := range h.live {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Wake launches the pending request for identifier, as the host would after
// EarliestBegin. It reports false when nothing is pending.
func (h *Host) Wake(identifier string) (*Task, bool) {
	h.mu.Lock()
	_, ok := h.pending[identifier]
	launch := h.launchers[identifier]
	if !ok || launch == nil {
		h.mu.Unlock()
		return nil, false
	}
	delete(h.pending, identifier)
	t := &Task{identifier: identifier, done: make(chan struct{})}
	h.tasks = append(h.tasks, t)
	h.mu.Unlock()

	launch(t)
	return t, true
}

func (h *Host) LiveGrants() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *Host) Begun() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.begun
}

func (h *Host) Ended() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *Host) Submits() []background.WakeRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]background.WakeRequest(nil), h.submits...)
}

func (h *Host) Pending(identifier string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[identifier]
	return ok
}

func (h *Host) Cancels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

// Task is a woken task handed to the launch handler.
type Task struct {
	identifier string

	mu        sync.Mutex
	expire    func()
	completed bool
	success   bool
	done      chan struct{}
}

func (t *Task) Identifier() string { return t.identifier }

func (t *Task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	t.expire = fn
	t.mu.Unlock()
}

func (t *Task) SetTaskCompleted(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return
	}
	t.completed = true
	t.success = success
	close(t.done)
}

// Expire runs the expiration handler synchronously.
func (t *Task) Expire() {
	t.mu.Lock()
	fn := t.expire
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Done is closed once the task was completed.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the completion state.
func (t *Task) Result() (completed, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.success
}
