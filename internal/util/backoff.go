package util

import (
	"math/rand"
	"time"
)

// BackoffDelay computes the reconnect delay for the given attempt number
// (0-based): base doubled per attempt, plus a random jitter in [0, maxJitter)
// so simultaneous clients don't retry in lockstep.
func BackoffDelay(attempt int, base, maxJitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so pathological attempt counts can't overflow.
	if attempt > 16 {
		attempt = 16
	}
	d := base * time.Duration(1<<uint(attempt))
	if maxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(maxJitter)))
	}
	return d
}
