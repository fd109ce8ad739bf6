package codecks

import (
	"errors"
	"testing"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/codecks/internal/backoff"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
	}
}

func TestNewDefaultRetryPolicy(t *testing.T) {
	policy := NewDefaultRetryPolicy(testRetryConfig())

	if policy.maxRetries != 3 {
		t.Errorf("Expected maxRetries=3, got %d", policy.maxRetries)
	}
	if policy.MaxRetries() != 3 {
		t.Errorf("MaxRetries() = %d", policy.MaxRetries())
	}
	if _, ok := policy.strategy.(internalbackoff.WindowedJitterStrategy); !ok {
		t.Errorf("Expected windowed strategy by default, got %T", policy.strategy)
	}

	cfg := testRetryConfig()
	cfg.Backoff = BackoffExponential
	cfg.Jitter = 0.2
	exp := NewDefaultRetryPolicy(cfg)
	if s, ok := exp.strategy.(internalbackoff.ExponentialStrategy); !ok || s.Jitter != 0.2 {
		t.Errorf("Expected exponential strategy with jitter 0.2, got %#v", exp.strategy)
	}
}

func TestDefaultRetryPolicyShouldRetry(t *testing.T) {
	policy := NewDefaultRetryPolicy(testRetryConfig())

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"server error", &Error{Kind: KindServerError}, 0, true},
		{"rate limited", &Error{Kind: KindRateLimited}, 1, true},
		{"connection failed", &Error{Kind: KindConnectionFailed}, 2, true},
		{"timeout", &Error{Kind: KindTimeout}, 0, true},
		{"retries exhausted", &Error{Kind: KindServerError}, 3, false},
		{"conflict", &Error{Kind: KindConflict}, 0, false},
		{"not found", &Error{Kind: KindNotFound}, 0, false},
		{"unauthorized", &Error{Kind: KindUnauthorized}, 0, false},
		{"schema mismatch", &Error{Kind: KindSchemaMismatch}, 0, false},
		{"cancelled", &Error{Kind: KindCancelled}, 0, false},
		{"plain error", errors.New("boom"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok := policy.ShouldRetry(tt.err, tt.attempt)
			if ok != tt.want {
				t.Fatalf("ShouldRetry() ok = %v, want %v", ok, tt.want)
			}
			if ok && delay <= 0 {
				t.Errorf("Expected positive delay, got %v", delay)
			}
		})
	}
}

func TestDefaultRetryPolicyDelaysStrictlyIncrease(t *testing.T) {
	policy := NewDefaultRetryPolicy(testRetryConfig())
	err := &Error{Kind: KindServerError}

	for run := 0; run < 50; run++ {
		var prev time.Duration
		for attempt := 0; attempt < 3; attempt++ {
			delay, ok := policy.ShouldRetry(err, attempt)
			if !ok {
				t.Fatalf("attempt %d not retried", attempt)
			}
			if delay <= prev {
				t.Fatalf("run %d: delay %v at attempt %d not greater than %v", run, delay, attempt, prev)
			}
			prev = delay
		}
	}
}

func TestDefaultRetryPolicyHonoursRetryAfter(t *testing.T) {
	policy := NewDefaultRetryPolicy(testRetryConfig())

	delay, ok := policy.ShouldRetry(&Error{Kind: KindRateLimited, RetryAfter: time.Second}, 0)
	if !ok {
		t.Fatal("Expected rate limited error to be retried")
	}
	if delay < time.Second {
		t.Errorf("delay = %v, want at least the server's Retry-After", delay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "1", time.Second},
		{"padded", " 30 ", 30 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"capped", "7200", time.Hour},
		{"http date", now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT"), 90 * time.Second},
		{"date in past", now.Add(-time.Minute).Format("Mon, 02 Jan 2006 15:04:05 GMT"), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
