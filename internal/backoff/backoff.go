// Package backoff computes capped exponential retry delays.
package backoff

import "time"

// Calculate returns base * 2^attempt, capped at max.
// A negative attempt is treated as the first.
func Calculate(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 * any positive base already exceeds every sane max.
	if attempt > 30 {
		return max
	}

	wait := base * time.Duration(1<<attempt)
	if wait > max || wait <= 0 {
		return max
	}
	return wait
}
