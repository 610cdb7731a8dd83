package infra

import (
	"math/rand/v2"
	"time"
)

const (
	// Standard backoff constants
	baseDelay = 1 * time.Second
	maxDelay  = 30 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given retry count.
// Logic: baseDelay * 2^retryCount, capped at maxDelay.
// If retryCount is negative, it returns baseDelay.
func CalculateBackoff(retryCount int) time.Duration {
	return Backoff{Base: baseDelay, Max: maxDelay}.Next(retryCount)
}

// Backoff is an exponential schedule with an optional symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, 0 disables
}

// Next returns Base * 2^retryCount capped at Max, then jittered.
func (b Backoff) Next(retryCount int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = baseDelay
	}
	if max < base {
		max = base
	}
	if retryCount < 0 {
		retryCount = 0
	}

	// 2^30 seconds is already far above any sane cap.
	wait := max
	if retryCount <= 30 {
		if d := base * time.Duration(1<<retryCount); d > 0 && d < max {
			wait = d
		}
	}

	if b.Jitter <= 0 {
		return wait
	}
	j := min(b.Jitter, 1)
	delta := float64(wait) * j
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
