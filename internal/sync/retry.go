package sync

import "time"

// RetryPolicy decides whether a failed sync step should run again and how
// long to wait first. attempt is 1-based and counts completed failures.
type RetryPolicy interface {
	NextDelay(attempt int, err error) (time.Duration, bool)
}

// Backoff retries up to Attempts times with exponentially growing delays,
// doubling from Base and capped at Max.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// NextDelay implements RetryPolicy.
func (b Backoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if attempt >= b.Attempts {
		return 0, false
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max, true
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d, true
}

// NoRetry fails immediately. Useful in tests and for callers that manage
// their own retry cadence.
type NoRetry struct{}

// NextDelay implements RetryPolicy.
func (NoRetry) NextDelay(int, error) (time.Duration, bool) { return 0, false }
