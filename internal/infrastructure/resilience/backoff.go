package resilience

import (
	"math"
	"time"
)

// Backoff computes capped exponential delays between delivery attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    30 * time.Second,
		Max:        30 * time.Minute,
		Multiplier: 2,
	}
}

// Delay returns the wait after the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(def.Max, b.Initial)
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}
