// Package backoff provides exponential backoff utilities with jitter for retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor applied per attempt.
	Factor float64
	// Jitter is the symmetric randomisation fraction (0.0 to 1.0).
	Jitter float64
}

// Delay computes the delay before the given attempt. Attempt numbers start at 1.
// The formula is base = initial * factor^(attempt-1), spread = base * jitter * r
// with r uniform in [-1, 1), clamped to [0, max].
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a caller-supplied random value in
// [0.0, 1.0). Deterministic variant for tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := math.Min(float64(p.Initial)*math.Pow(p.Factor, exp), float64(p.Max))
	spread := base * p.Jitter * (2*randomValue - 1)
	total := math.Min(base+spread, float64(p.Max))
	if total < 0 {
		total = 0
	}
	return time.Duration(total)
}

// Model returns the retry policy for transient model-provider failures.
func Model() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Channel returns the reconnect policy for channel connectors:
// base 1s, cap 60s, jitter plus or minus 20%.
func Channel() Policy {
	return Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.2}
}
