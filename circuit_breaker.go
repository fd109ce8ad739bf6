package codecks

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive unhealthy exchanges
	// that opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before it lets a
	// single probe through.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of healthy probes that close it again.
	SuccessThreshold int
}

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// verdict is what one exchange says about the health of the API host.
type verdict int

const (
	// verdictNeutral exchanges say nothing about the host: the caller gave
	// up, the request never left, or the host asked us to slow down.
	verdictNeutral verdict = iota
	verdictHealthy
	verdictUnhealthy
)

// judgeExchange classifies a finished Send. ctx is the exchange's context;
// once it is done the failure belongs to the caller, not the host.
func judgeExchange(ctx context.Context, status int, err error) verdict {
	switch {
	case ctx.Err() != nil:
		return verdictNeutral
	case err != nil:
		if KindOf(err) == KindInvalidParameter {
			return verdictNeutral
		}
		return verdictUnhealthy
	case status >= 500:
		return verdictUnhealthy
	case status == http.StatusTooManyRequests:
		// Rate limiting is handled by Retry-After, not by tripping.
		return verdictNeutral
	default:
		return verdictHealthy
	}
}

// CircuitBreaker trips after consecutive connection failures or 5xx
// responses and rejects sends until RecoveryTimeout has passed. While
// half-open it admits one probe at a time.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       atomic.Int64
	failures    atomic.Int64
	successes   atomic.Int64
	lastFailure atomic.Int64
	probing     atomic.Bool
}

// NewCircuitBreaker creates a circuit breaker; zero config fields take
// defaults (5 failures, 60s recovery, 2 half-open successes).
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	cb := &CircuitBreaker{config: config}
	cb.state.Store(int64(StateClosed))
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a send may go out. An open breaker turns half-open
// once RecoveryTimeout has elapsed since the last failure; a half-open
// breaker admits a new probe only after the previous one was observed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(time.Unix(0, cb.lastFailure.Load())) < cb.config.RecoveryTimeout {
			return false
		}
		if cb.state.CompareAndSwap(int64(StateOpen), int64(StateHalfOpen)) {
			cb.successes.Store(0)
			cb.probing.Store(true)
			return true
		}
		return false
	case StateHalfOpen:
		return cb.probing.CompareAndSwap(false, true)
	default:
		return false
	}
}

// observe feeds one exchange outcome into the breaker.
func (cb *CircuitBreaker) observe(v verdict) {
	switch v {
	case verdictHealthy:
		cb.RecordSuccess()
	case verdictUnhealthy:
		cb.RecordFailure()
	default:
		cb.probing.Store(false)
	}
}

// RecordFailure records an unhealthy exchange.
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailure.Store(time.Now().UnixNano())
	defer cb.probing.Store(false)

	switch cb.State() {
	case StateClosed:
		if cb.failures.Add(1) >= int64(cb.config.FailureThreshold) {
			cb.state.CompareAndSwap(int64(StateClosed), int64(StateOpen))
		}
	case StateHalfOpen:
		cb.failures.Add(1)
		cb.successes.Store(0)
		cb.state.CompareAndSwap(int64(StateHalfOpen), int64(StateOpen))
	}
}

// RecordSuccess records a healthy exchange.
func (cb *CircuitBreaker) RecordSuccess() {
	defer cb.probing.Store(false)

	switch cb.State() {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if cb.successes.Add(1) >= int64(cb.config.SuccessThreshold) &&
			cb.state.CompareAndSwap(int64(StateHalfOpen), int64(StateClosed)) {
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}
