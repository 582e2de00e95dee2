package actuator

import "errors"

var (
	// ErrCapabilityUnavailable means the device lacks the feature. Callers treat it as a no-op.
	ErrCapabilityUnavailable = errors.New("actuator: capability unavailable")
	// ErrHardwareBusy means the exclusive lock is held elsewhere. Retried once.
	ErrHardwareBusy = errors.New("actuator: hardware busy")
	// ErrConfigurationFailed fails the current call only.
	ErrConfigurationFailed = errors.New("actuator: configuration failed")
	// ErrSessionRevoked is returned for work whose session token was disarmed.
	ErrSessionRevoked = errors.New("actuator: session revoked")
)
