// Package scheduler keeps light and haptic pulses going across foreground,
// background and suspended windows.
//
// # Ownership
//
// A single goroutine (Run) owns every piece of scheduler state: desired
// on/off per kind, per-kind state, timers, the shared background grant and
// the keep-alive lease. Commands, lifecycle events and timer ticks are all
// messages to that goroutine, so start/stop and lifecycle transitions for a
// kind are applied strictly in arrival order.
//
// # Hardware
//
// The owner never calls hardware. Activating a kind arms its actuator (a
// token) and queues open/pulse work on the kind's worker; tearing it down
// revokes the token first and queues the close behind any in-flight work.
// Public methods wait for that queued work, outside the owner goroutine, so
// callers observe a settled session when they return.
//
// # Shared resources
//
// The grant and the lease are shared by both kinds and held while any kind
// is desired. Timers and sessions are per kind.
package scheduler
