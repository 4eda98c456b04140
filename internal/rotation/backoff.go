package rotation

import (
	"math/rand"
	"time"
)

const (
	maxJitter       = time.Second
	maxBackoffDelay = 30 * time.Second
)

// backoffDelay computes the retry delay for the given 1-based attempt:
// base doubled per attempt, plus up to a second of jitter so peers that
// failed together do not retry together, capped at 30 seconds.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoffDelay {
		return maxBackoffDelay
	}
	d += time.Duration(rand.Int63n(int64(maxJitter)))
	if d > maxBackoffDelay {
		d = maxBackoffDelay
	}
	return d
}
