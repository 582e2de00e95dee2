package background

import "errors"

var (
	// ErrGrantDenied means the host refused an immediate execution grant.
	ErrGrantDenied = errors.New("background: grant denied")
	// ErrWakeSchedulingFailed means the host refused a renewable wake request.
	ErrWakeSchedulingFailed = errors.New("background: wake scheduling failed")
	// ErrHostUnavailable means the host rejected task registration.
	ErrHostUnavailable = errors.New("background: host unavailable")
)
