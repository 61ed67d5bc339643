package worker

import (
	"math/rand"
	"time"
)

// backoffDelay computes the restart delay for the given consecutive failure
// attempt (1-based): exponential growth capped at max, with equal jitter so
// a fleet of bridges does not respawn workers in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
