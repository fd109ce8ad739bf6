// Package backoff computes retry delays.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy returns the delay before retry number attempt (0-based).
type Strategy interface {
	Calculate(attempt int, base, max time.Duration, multiplier float64) time.Duration
}

// WindowedJitterStrategy draws the delay uniformly from the doubling window
// [base*m^attempt, base*m^(attempt+1)). Windows never overlap, so successive
// delays strictly increase while every delay keeps the spread of full jitter.
// Rand defaults to math/rand.
type WindowedJitterStrategy struct {
	Rand func() float64
}

func (s WindowedJitterStrategy) Calculate(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	if multiplier < 1 {
		multiplier = 1
	}

	lower := float64(base) * pow(multiplier, attempt)
	upper := lower * multiplier
	if lower < 0 || lower >= float64(max) {
		return max
	}
	if upper > float64(max) {
		upper = float64(max)
	}

	r := rand.Float64
	if s.Rand != nil {
		r = s.Rand
	}
	delay := time.Duration(lower + r()*(upper-lower))
	if delay < time.Duration(lower) {
		delay = time.Duration(lower)
	}
	return delay
}

// ExponentialStrategy is plain exponential backoff with proportional jitter
// (0 disables jitter).
type ExponentialStrategy struct {
	Jitter float64
}

func (s ExponentialStrategy) Calculate(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	backoff := time.Duration(float64(base) * pow(multiplier, attempt))
	if backoff < 0 || backoff > max {
		backoff = max
	}

	jitter := clampJitter(s.Jitter)
	if jitter > 0 {
		jitterAmount := time.Duration(float64(backoff) * jitter * rand.Float64())
		if backoff+jitterAmount > max {
			backoff = max
		} else {
			backoff += jitterAmount
		}
	}
	return backoff
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
