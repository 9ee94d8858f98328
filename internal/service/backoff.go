package service

import "time"

// BackoffPolicy decides how long to wait before the next attempt and when to give up.
// It holds no state; attempt numbers are 1-based and come from the record.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, MaxAttempts: 3}
}

// Delay returns the wait after the given failed attempt: Base * 2^(attempt-1), capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for n := 1; n < attempt; n++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted reports whether no attempt may follow the given one.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
