package codecks

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/codecks/internal/backoff"
)

const (
	BackoffWindowed    = "windowed"
	BackoffExponential = "exponential"
)

// RetryPolicy decides whether a failed attempt is retried and after how long.
// attempt is the number of retries already made.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

// DefaultRetryPolicy retries rate limiting, 5xx responses, connection
// failures and transport timeouts. Delays are drawn from non-overlapping
// doubling windows and never undercut a server-supplied Retry-After.
type DefaultRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	strategy   internalbackoff.Strategy
}

// NewDefaultRetryPolicy creates the policy from cfg.
func NewDefaultRetryPolicy(cfg RetryConfig) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		strategy:   newStrategy(cfg),
	}
}

func newStrategy(cfg RetryConfig) internalbackoff.Strategy {
	if cfg.Backoff == BackoffExponential {
		return internalbackoff.ExponentialStrategy{Jitter: cfg.Jitter}
	}
	return internalbackoff.WindowedJitterStrategy{}
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries || !IsTransient(err) {
		return 0, false
	}

	delay := p.strategy.Calculate(attempt, p.baseDelay, p.maxDelay, p.multiplier)
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > delay {
		delay = e.RetryAfter
	}
	return delay, true
}

// MaxRetries returns the retry cap.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := t.Sub(now)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
