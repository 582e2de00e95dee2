package actuator

import (
	"sync"

	logx "pulsekeeper/pkg/logx"
)

// SimDriver is an in-memory Driver used by the simulated host and by tests.
// It records every level change so callers can assert on what the hardware saw.
type SimDriver struct {
	name string
	log  logx.Logger

	mu          sync.Mutex
	available   bool
	locked      bool
	sessionOpen bool
	level       float64

	busyNext   int
	failNext   error
	levels     []float64
	activation int
	sessions   int
	calls      int
}

func NewSimDriver(name string, available bool, log logx.Logger) *SimDriver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SimDriver{name: name, available: available, log: log}
}

func (d *SimDriver) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available
}

func (d *SimDriver) SetAvailable(v bool) {
	d.mu.Lock()
	d.available = v
	d.mu.Unlock()
}

// InjectBusy makes the next n Lock calls fail with ErrHardwareBusy.
func (d *SimDriver) InjectBusy(n int) {
	d.mu.Lock()
	d.busyNext = n
	d.mu.Unlock()
}

// FailNextSet makes the next SetLevel call return err.
func (d *SimDriver) FailNextSet(err error) {
	d.mu.Lock()
	d.failNext = err
	d.mu.Unlock()
}

func (d *SimDriver) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.busyNext > 0 {
		d.busyNext--
		return ErrHardwareBusy
	}
	if d.locked {
		return ErrHardwareBusy
	}
	d.locked = true
	return nil
}

func (d *SimDriver) Unlock() {
	d.mu.Lock()
	d.locked = false
	d.mu.Unlock()
}

func (d *SimDriver) SetLevel(level float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if err := d.failNext; err != nil {
		d.failNext = nil
		return err
	}
	if level > 0 && d.level == 0 {
		d.activation++
		d.log.Debug("signal on", logx.String("device", d.name), logx.Float64("level", level))
	}
	d.level = level
	d.levels = append(d.levels, level)
	return nil
}

func (d *SimDriver) OpenSession() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.sessionOpen = true
	d.sessions++
	return nil
}

func (d *SimDriver) CloseSession() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.sessionOpen = false
	return nil
}

func (d *SimDriver) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *SimDriver) SessionOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionOpen
}

func (d *SimDriver) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Activations counts off→on transitions.
func (d *SimDriver) Activations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activation
}

// Sessions counts OpenSession calls.
func (d *SimDriver) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Calls counts every hardware-touching call (lock, level, session open/close).
func (d *SimDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *SimDriver) Levels() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.levels...)
}
