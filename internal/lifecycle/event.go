package lifecycle

import "fmt"

type EventType int

const (
	EnteredBackground EventType = iota + 1
	EnteringForeground
	Wake
	GrantExpiring
)

func (t EventType) String() string {
	switch t {
	case EnteredBackground:
		return "entered-background"
	case EnteringForeground:
		return "entering-foreground"
	case Wake:
		return "wake"
	case GrantExpiring:
		return "grant-expiring"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a host lifecycle notification. TaskID is set for Wake and
// GrantExpiring when the host supplied one.
type Event struct {
	Type   EventType
	TaskID string
}
