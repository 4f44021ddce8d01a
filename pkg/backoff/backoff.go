package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes reconnect delays with exponential growth capped at Max.
type Policy struct {
	Base       time.Duration // delay before the first retry
	Max        time.Duration // upper bound for any computed delay
	Multiplier float64       // growth factor per attempt (0 means 2.0)
	Jitter     bool          // add ±25% random variation
}

// DefaultPolicy matches the session manager defaults: 1s base doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before the given retry attempt (1-based). Without
// jitter the result is monotonically non-decreasing in attempt and never
// exceeds Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	delay := time.Duration(d)

	if p.Jitter {
		quarter := delay / 4
		delay = delay - quarter + time.Duration(rand.Int63n(int64(2*quarter)+1))
	}
	return delay
}
