package dispatch

import "time"

// Policy decides retry delays and when a send is out of attempts. It is a
// pure value: Backoff is deterministic in the attempt count and never blocks.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Initial: time.Minute, Max: time.Hour, MaxAttempts: 3}
}

// Backoff returns the delay before retry number attempt (1-indexed):
// Initial * 2^(attempt-1), capped at Max. Non-decreasing in attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempts has reached the ceiling, in which case
// a failed delivery terminates the send instead of rescheduling it.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
