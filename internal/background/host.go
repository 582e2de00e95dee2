package background

import "time"

// TaskID identifies an immediate grant on the host. Zero is never valid.
type TaskID uint64

// WakeRequest asks the host to relaunch the process for bounded work no
// earlier than EarliestBegin.
type WakeRequest struct {
	Identifier            string
	EarliestBegin         time.Time
	RequiresNetwork       bool
	RequiresExternalPower bool
}

// HostTask is a woken background task as handed over by the host.
type HostTask interface {
	Identifier() string
	// SetExpirationHandler installs fn to be called shortly before the host
	// revokes the task. fn must finish synchronously.
	SetExpirationHandler(fn func())
	SetTaskCompleted(success bool)
}

// Host is the operating environment's background-execution primitive.
type Host interface {
	// BeginTask requests an immediate, short-lived grant. expiring is called
	// once when the host is about to revoke it.
	BeginTask(name string, expiring func()) (TaskID, error)
	// EndTask releases a grant. Unknown or ended ids are ignored.
	EndTask(id TaskID)
	// Submit registers a renewable wake request, replacing any pending
	// request with the same identifier.
	Submit(req WakeRequest) error
	// Cancel withdraws a pending wake request.
	Cancel(identifier string)
	// Register installs the launch handler for identifier. It must be called
	// before the first Submit for that identifier.
	Register(identifier string, launch func(HostTask)) error
}
