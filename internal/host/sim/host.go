// Package sim is an in-process stand-in for a mobile OS that suspends
// background work. It hands out time-limited grants that only run down while
// the process is in the background, and relaunches registered tasks after
// their requested earliest begin time once the process is suspended: in the
// background with no grant left.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pulsekeeper/internal/background"
	"pulsekeeper/internal/lifecycle"
	logx "pulsekeeper/pkg/logx"
)

var (
	ErrGrantsDenied  = errors.New("sim: grants denied")
	ErrWakesDenied   = errors.New("sim: wake requests denied")
	ErrNotRegistered = errors.New("sim: identifier not registered")
	ErrClosed        = errors.New("sim: host closed")
)

type Config struct {
	// GrantDuration is how long an immediate grant survives in the background.
	GrantDuration time.Duration
	// WakeWindow is how long a woken task may run before it expires.
	WakeWindow time.Duration
	DenyGrants bool
	DenyWakes  bool
}

type grant struct {
	name     string
	expiring func()
	timer    *time.Timer
	fired    bool
}

type pendingWake struct {
	req   background.WakeRequest
	timer *time.Timer
	due   bool
}

type Host struct {
	cfg Config
	log logx.Logger

	mu         sync.Mutex
	background bool
	closed     bool
	next       background.TaskID
	grants     map[background.TaskID]*grant
	launchers  map[string]func(background.HostTask)
	pending    map[string]*pendingWake
	tasks      map[*task]struct{}

	events chan lifecycle.Event
}

func New(cfg Config, log logx.Logger) *Host {
	if cfg.GrantDuration <= 0 {
		cfg.GrantDuration = 30 * time.Second
	}
	if cfg.WakeWindow <= 0 {
		cfg.WakeWindow = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{
		cfg:       cfg,
		log:       log,
		grants:    map[background.TaskID]*grant{},
		launchers: map[string]func(background.HostTask){},
		pending:   map[string]*pendingWake{},
		tasks:     map[*task]struct{}{},
		events:    make(chan lifecycle.Event, 16),
	}
}

// Events delivers EnteredBackground/EnteringForeground notifications.
func (h *Host) Events() <-chan lifecycle.Event { return h.events }

func (h *Host) emit(ev lifecycle.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("lifecycle event dropped", logx.String("event", ev.Type.String()))
	}
}

func (h *Host) InBackground() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.background
}

func (h *Host) SetDenyGrants(v bool) {
	h.mu.Lock()
	h.cfg.DenyGrants = v
	h.mu.Unlock()
}

func (h *Host) SetDenyWakes(v bool) {
	h.mu.Lock()
	h.cfg.DenyWakes = v
	h.mu.Unlock()
}

// EnterBackground starts every grant's clock and releases wakes that came
// due while in the foreground, unless a grant still keeps the process running.
func (h *Host) EnterBackground() {
	h.mu.Lock()
	if h.closed || h.background {
		h.mu.Unlock()
		return
	}
	h.background = true
	for id, g := range h.grants {
		h.armLocked(id, g)
	}
	due := h.takeDueLocked()
	h.mu.Unlock()

	h.log.Info("host entered background")
	h.emit(lifecycle.Event{Type: lifecycle.EnteredBackground})
	h.launchAll(due)
}

// suspendedLocked reports whether a due wake may relaunch the process.
func (h *Host) suspendedLocked() bool {
	return h.background && !h.closed && len(h.grants) == 0
}

// takeDueLocked removes and returns the wakes that came due while the
// process was still running.
func (h *Host) takeDueLocked() []background.WakeRequest {
	if !h.suspendedLocked() {
		return nil
	}
	var due []background.WakeRequest
	for ident, p := range h.pending {
		if p.due {
			due = append(due, p.req)
			delete(h.pending, ident)
		}
	}
	return due
}

func (h *Host) launchAll(due []background.WakeRequest) {
	for _, req := range due {
		h.launch(req)
	}
}

// EnterForeground pauses every grant's clock.
func (h *Host) EnterForeground() {
	h.mu.Lock()
	if h.closed || !h.background {
		h.mu.Unlock()
		return
	}
	h.background = false
	for _, g := range h.grants {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
	}
	h.mu.Unlock()

	h.log.Info("host entering foreground")
	h.emit(lifecycle.Event{Type: lifecycle.EnteringForeground})
}

func (h *Host) BeginTask(name string, expiring func()) (background.TaskID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	if h.cfg.DenyGrants {
		return 0, ErrGrantsDenied
	}
	h.next++
	id := h.next
	g := &grant{name: name, expiring: expiring}
	h.grants[id] = g
	if h.background {
		h.armLocked(id, g)
	}
	h.log.Debug("grant issued", logx.Uint64("task", uint64(id)), logx.String("name", name))
	return id, nil
}

func (h *Host) armLocked(id background.TaskID, g *grant) {
	if g.timer != nil || g.fired {
		return
	}
	g.timer = time.AfterFunc(h.cfg.GrantDuration, func() { h.expire(id) })
}

func (h *Host) expire(id background.TaskID) {
	h.mu.Lock()
	g, ok := h.grants[id]
	if !ok || g.fired || !h.background {
		h.mu.Unlock()
		return
	}
	g.fired = true
	g.timer = nil
	h.mu.Unlock()

	h.log.Info("grant expiring", logx.Uint64("task", uint64(id)))
	if g.expiring != nil {
		g.expiring()
	}

	h.mu.Lock()
	if _, still := h.grants[id]; still {
		delete(h.grants, id)
		h.log.Warn("grant revoked without being ended", logx.Uint64("task", uint64(id)))
	}
	due := h.takeDueLocked()
	h.mu.Unlock()
	h.launchAll(due)
}

func (h *Host) EndTask(id background.TaskID) {
	h.mu.Lock()
	g, ok := h.grants[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(h.grants, id)
	h.log.Debug("grant ended", logx.Uint64("task", uint64(id)))
	due := h.takeDueLocked()
	h.mu.Unlock()
	h.launchAll(due)
}

func (h *Host) Register(identifier string, launch func(background.HostTask)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.launchers[identifier] = launch
	return nil
}

func (h *Host) Submit(req background.WakeRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.cfg.DenyWakes {
		return ErrWakesDenied
	}
	if _, ok := h.launchers[req.Identifier]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, req.Identifier)
	}
	h.cancelLocked(req.Identifier)

	p := &pendingWake{req: req}
	delay := time.Until(req.EarliestBegin)
	if delay < 0 {
		delay = 0
	}
	p.timer = time.AfterFunc(delay, func() { h.fire(p) })
	h.pending[req.Identifier] = p
	h.log.Debug("wake request accepted", logx.String("identifier", req.Identifier), logx.Duration("in", delay))
	return nil
}

func (h *Host) Cancel(identifier string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked(identifier)
}

func (h *Host) cancelLocked(identifier string) {
	if p, ok := h.pending[identifier]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(h.pending, identifier)
	}
}

// PendingWake reports whether a wake request for identifier is waiting.
func (h *Host) PendingWake(identifier string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[identifier]
	return ok
}

// LiveGrants is the number of grants not yet ended or revoked.
func (h *Host) LiveGrants() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.grants)
}

func (h *Host) fire(p *pendingWake) {
	h.mu.Lock()
	cur, ok := h.pending[p.req.Identifier]
	if !ok || cur != p || h.closed {
		h.mu.Unlock()
		return
	}
	p.timer = nil
	if !h.suspendedLocked() {
		// Only suspended apps are relaunched. Hold it until the process is
		// backgrounded and its last grant is gone.
		p.due = true
		h.mu.Unlock()
		return
	}
	delete(h.pending, p.req.Identifier)
	h.mu.Unlock()
	h.launch(p.req)
}

func (h *Host) launch(req background.WakeRequest) {
	h.mu.Lock()
	fn := h.launchers[req.Identifier]
	if fn == nil || h.closed {
		h.mu.Unlock()
		return
	}
	t := &task{host: h, identifier: req.Identifier}
	h.tasks[t] = struct{}{}
	t.timer = time.AfterFunc(h.cfg.WakeWindow, t.expire)
	h.mu.Unlock()

	h.log.Info("launching background task", logx.String("identifier", req.Identifier))
	go fn(t)
}

// Close stops every timer. Pending work is dropped.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, g := range h.grants {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	for ident := range h.pending {
		h.cancelLocked(ident)
	}
	for t := range h.tasks {
		t.stopTimer()
	}
}

type task struct {
	host       *Host
	identifier string

	mu        sync.Mutex
	timer     *time.Timer
	handler   func()
	completed bool
}

func (t *task) Identifier() string { return t.identifier }

func (t *task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *task) SetTaskCompleted(success bool) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.mu.Unlock()
	t.stopTimer()
	t.host.forget(t)
	t.host.log.Debug("background task completed", logx.String("identifier", t.identifier), logx.Bool("success", success))
}

func (t *task) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *task) expire() {
	t.mu.Lock()
	fn := t.handler
	done := t.completed
	t.timer = nil
	t.mu.Unlock()
	if done {
		return
	}
	t.host.log.Info("background task expiring", logx.String("identifier", t.identifier))
	if fn != nil {
		fn()
	}
	t.host.forget(t)
}

func (h *Host) forget(t *task) {
	h.mu.Lock()
	delete(h.tasks, t)
	h.mu.Unlock()
}
