// Package worker holds scheduling primitives for the background sync cycle.
package worker

import "time"

// RetryPolicy computes per-item backoff for failed sync deliveries. A zero
// value behaves as 1s initial delay, doubling, no cap, unlimited retries.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the wait before the given attempt. Attempts are 1-based;
// the first retry waits InitialDelay and each further attempt multiplies by
// BackoffFactor, clamped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
		if delay <= 0 {
			// Multiplication overflowed; the cap, or the starting point when
			// uncapped, is the sanest answer.
			if r.MaxDelay > 0 {
				return r.MaxDelay
			}
			return initial
		}
	}
	return delay
}

// Exhausted reports whether the attempt count has consumed the retry budget.
// MaxRetries <= 0 means items are retried indefinitely.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return r.MaxRetries > 0 && attempt >= r.MaxRetries
}
