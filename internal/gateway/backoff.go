package gateway

import "time"

// retryPolicy computes reconnect delays: min(base · 2^attempt, max), with a
// hard ceiling on total attempts. It owns no timers; the client schedules.
type retryPolicy struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

// delay returns the backoff for the given attempt number (0-based).
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.max {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// exhausted reports whether no further reconnect may be scheduled.
func (p retryPolicy) exhausted(attempt int) bool {
	return attempt >= p.attempts
}
