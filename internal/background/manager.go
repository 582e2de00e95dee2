// Package background wraps the host's short-lived execution grants and its
// renewable wake requests.
//
// Grant and wake failures are never fatal: the manager logs them, publishes a
// bus event, and returns a wrapped sentinel so callers can keep running in
// foreground-only mode. Repeated wake submission failures are retried with
// exponential backoff and jitter until one succeeds or MaxWakeRetries is hit.
package background

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulsekeeper/internal/eventbus"
	logx "pulsekeeper/pkg/logx"
)

// Default wake identifier registered with the host.
const DefaultWakeIdentifier = "pulsekeeper.signalTask"

type Config struct {
	WakeIdentifier string
	// TaskName labels immediate grants on the host.
	TaskName string

	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	MaxWakeRetries int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.WakeIdentifier) == "" {
		c.WakeIdentifier = DefaultWakeIdentifier
	}
	if strings.TrimSpace(c.TaskName) == "" {
		c.TaskName = "pulsekeeper.signal"
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
	if c.MaxWakeRetries <= 0 {
		c.MaxWakeRetries = 8
	}
	return c
}

// Handle refers to one immediate grant. The zero Handle is never valid.
type Handle struct {
	token string
}

func (h Handle) Token() string { return h.token }
func (h Handle) IsZero() bool  { return h.token == "" }

type grant struct {
	id    TaskID
	ended bool
}

type Manager struct {
	host Host
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu         sync.Mutex
	grants     map[string]*grant
	onWake     func(*WakeTask)
	registered bool
	failures   int
	retry      *time.Timer
	retryGen   uint64
	closed     bool
}

func NewManager(host Host, cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Discard
	}
	return &Manager{
		host:   host,
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		now:    time.Now,
		grants: map[string]*grant{},
	}
}

func (m *Manager) WakeIdentifier() string { return m.cfg.WakeIdentifier }

// BeginGrant requests an immediate grant. onExpiring runs synchronously when
// the host is about to revoke it; the grant is ended right after.
func (m *Manager) BeginGrant(onExpiring func()) (Handle, error) {
	token := uuid.NewString()
	g := &grant{}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: manager closed", ErrGrantDenied)
	}
	m.grants[token] = g
	m.mu.Unlock()

	expiring := func() {
		m.mu.Lock()
		if g.ended {
			m.mu.Unlock()
			return
		}
		g.ended = true
		delete(m.grants, token)
		id := g.id
		m.mu.Unlock()

		m.log.Warn("grant expiring", logx.String("grant", token))
		if onExpiring != nil {
			onExpiring()
		}
		if id != 0 {
			m.host.EndTask(id)
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeGrantEnd, Data: eventbus.Grant{Token: token, Reason: "expired"}})
	}

	id, err := m.host.BeginTask(m.cfg.TaskName, expiring)
	if err != nil {
		m.mu.Lock()
		delete(m.grants, token)
		m.mu.Unlock()
		m.log.Warn("grant denied", logx.Err(err))
		return Handle{}, fmt.Errorf("%w: %v", ErrGrantDenied, err)
	}

	m.mu.Lock()
	g.id = id
	expired := g.ended
	m.mu.Unlock()
	if expired {
		// The host revoked it before BeginTask returned.
		m.host.EndTask(id)
		return Handle{}, fmt.Errorf("%w: expired on arrival", ErrGrantDenied)
	}

	m.log.Debug("grant begun", logx.String("grant", token), logx.Uint64("task", uint64(id)))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeGrantBegin, Data: eventbus.Grant{Token: token}})
	return Handle{token: token}, nil
}

// EndGrant releases h. It is safe on zero, ended or expired handles.
func (m *Manager) EndGrant(h Handle) {
	if h.IsZero() {
		return
	}
	m.mu.Lock()
	g, ok := m.grants[h.token]
	if !ok || g.ended {
		m.mu.Unlock()
		return
	}
	g.ended = true
	delete(m.grants, h.token)
	id := g.id
	m.mu.Unlock()

	if id != 0 {
		m.host.EndTask(id)
	}
	m.log.Debug("grant ended", logx.String("grant", h.token))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeGrantEnd, Data: eventbus.Grant{Token: h.token, Reason: "released"}})
}

// Valid reports whether h still refers to a live grant.
func (m *Manager) Valid(h Handle) bool {
	if h.IsZero() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[h.token]
	return ok && !g.ended
}

// ActiveGrants is the number of live grants.
func (m *Manager) ActiveGrants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

// OnWake installs handler for wakes of the configured identifier and
// registers the identifier with the host on first use.
func (m *Manager) OnWake(handler func(*WakeTask)) error {
	m.mu.Lock()
	m.onWake = handler
	need := !m.registered
	m.registered = true
	m.mu.Unlock()
	if !need {
		return nil
	}
	if err := m.host.Register(m.cfg.WakeIdentifier, m.launch); err != nil {
		m.mu.Lock()
		m.registered = false
		m.mu.Unlock()
		return fmt.Errorf("%w: register %s: %v", ErrHostUnavailable, m.cfg.WakeIdentifier, err)
	}
	return nil
}

func (m *Manager) launch(ht HostTask) {
	t := newWakeTask(ht, m.log)
	m.mu.Lock()
	h := m.onWake
	closed := m.closed
	m.mu.Unlock()
	if h == nil || closed {
		m.log.Warn("wake with no handler", logx.String("identifier", ht.Identifier()))
		t.Complete(false)
		return
	}
	m.log.Info("woken by host", logx.String("task", t.ID()))
	h(t)
}

// ScheduleRenewableWake asks the host to wake the process no earlier than
// notBefore from now. On failure a retry is scheduled with backoff.
func (m *Manager) ScheduleRenewableWake(identifier string, notBefore time.Duration) error {
	if strings.TrimSpace(identifier) == "" {
		identifier = m.cfg.WakeIdentifier
	}
	req := WakeRequest{
		Identifier:            identifier,
		EarliestBegin:         m.now().Add(notBefore),
		RequiresNetwork:       false,
		RequiresExternalPower: false,
	}
	err := m.host.Submit(req)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return err
	}
	if err == nil {
		m.failures = 0
		m.stopRetryLocked()
		m.mu.Unlock()
		m.log.Debug("wake scheduled", logx.String("identifier", identifier), logx.Duration("not_before", notBefore))
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeWakeScheduled, Data: eventbus.Wake{Identifier: identifier, NotBefore: notBefore}})
		return nil
	}

	m.failures++
	attempt := m.failures
	retrying := attempt <= m.cfg.MaxWakeRetries
	var delay time.Duration
	if retrying {
		delay = backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, m.cfg.BackoffJitter, attempt)
		m.stopRetryLocked()
		gen := m.retryGen
		m.retry = time.AfterFunc(delay, func() {
			m.mu.Lock()
			stale := gen != m.retryGen || m.closed
			m.mu.Unlock()
			if !stale {
				_ = m.ScheduleRenewableWake(identifier, notBefore)
			}
		})
	}
	m.mu.Unlock()

	m.log.Warn("wake scheduling failed",
		logx.String("identifier", identifier),
		logx.Int("attempt", attempt),
		logx.Bool("retrying", retrying),
		logx.Duration("retry_in", delay),
		logx.Err(err),
	)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeWakeFailed, Data: eventbus.Wake{Identifier: identifier, NotBefore: notBefore, Attempt: attempt, Err: err.Error()}})
	return fmt.Errorf("%w: %v", ErrWakeSchedulingFailed, err)
}

// CancelWake withdraws the pending wake request and any pending retry.
func (m *Manager) CancelWake(identifier string) {
	if strings.TrimSpace(identifier) == "" {
		identifier = m.cfg.WakeIdentifier
	}
	m.mu.Lock()
	m.stopRetryLocked()
	m.failures = 0
	m.mu.Unlock()
	m.host.Cancel(identifier)
}

// WakeFailures is the current run of consecutive submit failures.
func (m *Manager) WakeFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Close stops retries and ends every live grant.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopRetryLocked()
	live := make([]string, 0, len(m.grants))
	for tok := range m.grants {
		live = append(live, tok)
	}
	m.mu.Unlock()
	for _, tok := range live {
		m.EndGrant(Handle{token: tok})
	}
}

func (m *Manager) stopRetryLocked() {
	m.retryGen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}
