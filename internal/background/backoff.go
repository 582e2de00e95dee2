package background

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before retry number attempt (1-based):
// base doubled per attempt, capped at maxD, then jittered by ±jitter.
func backoffDelay(base, maxD time.Duration, jitter float64, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if d > maxD {
		d = maxD
	}
	if jitter > 0 {
		r := (rand.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}
