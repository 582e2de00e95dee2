package actuator

import "time"

// Driver is the hardware boundary for one signal kind.
//
// Lock/Unlock bracket every configuration change. Implementations return
// ErrHardwareBusy from Lock on contention. SetLevel(0) means off; for haptic
// drivers any positive level fires (or sustains) an impulse.
type Driver interface {
	Available() bool
	Lock() error
	Unlock()
	SetLevel(level float64) error
	OpenSession() error
	CloseSession() error
}

// Step holds a level for a duration.
type Step struct {
	Level float64
	Hold  time.Duration
}

// Pattern is one pulse. The level is always forced back to 0 after the last step.
type Pattern []Step

// Peak returns the highest level in the pattern (1 when empty).
func (p Pattern) Peak() float64 {
	peak := 0.0
	for _, st := range p {
		if st.Level > peak {
			peak = st.Level
		}
	}
	if peak == 0 {
		return 1
	}
	return peak
}

// Duration is the total hold time of the pattern.
func (p Pattern) Duration() time.Duration {
	var d time.Duration
	for _, st := range p {
		d += st.Hold
	}
	return d
}

// LightPattern turns the torch fully on for hold, then off.
func LightPattern(hold time.Duration) Pattern {
	if hold <= 0 {
		hold = 500 * time.Millisecond
	}
	return Pattern{{Level: 1, Hold: hold}}
}

// HapticPattern is on/off/on: two impulses separated by a gap.
func HapticPattern(on, off time.Duration) Pattern {
	if on <= 0 {
		on = 300 * time.Millisecond
	}
	if off <= 0 {
		off = 200 * time.Millisecond
	}
	return Pattern{{Level: 1, Hold: on}, {Level: 0, Hold: off}, {Level: 1, Hold: on}}
}
