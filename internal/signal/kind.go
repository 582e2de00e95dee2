// Package signal names the user-visible signals pulsekeeper drives and the
// per-signal states the scheduler moves them through.
package signal

import (
	"fmt"
	"strings"
)

// Kind identifies which actuator a state or command applies to.
type Kind int

const (
	Light Kind = iota
	Haptic
)

// Kinds lists every signal kind in a stable order.
var Kinds = []Kind{Light, Haptic}

func (k Kind) String() string {
	switch k {
	case Light:
		return "light"
	case Haptic:
		return "haptic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == Light || k == Haptic }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "light", "torch", "flash":
		return Light, nil
	case "haptic", "vibration", "vibrate":
		return Haptic, nil
	default:
		return 0, fmt.Errorf("unknown signal kind %q", s)
	}
}

// State is the scheduler-side lifecycle of one signal kind.
//
//	Idle      not requested, nothing open
//	Active    requested, session open, timer running
//	Suspended requested, but torn down until the host wakes us or we return to foreground
type State int

const (
	Idle State = iota
	Active
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
