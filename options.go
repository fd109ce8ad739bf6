package codecks

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// WithHTTPClient sets the HTTP client used by the default transport
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTransport replaces the HTTP transport entirely. Middleware, circuit
// breaker and rate limiter options only apply to the default transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithMiddleware adds middleware to the default transport
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithCircuitBreaker enables the circuit breaker
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithRateLimiter paces sends with a client-side token bucket
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithRetryPolicy replaces the retry policy derived from Config.Retry
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider; the global one
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithCredential sets the initial credential, overriding Config.Token.
func WithCredential(cred Credential) Option {
	return func(c *Client) {
		c.cred.Store(&cred)
	}
}

// WithCredentialStore loads the initial credential from store when none is
// configured and saves every refreshed credential to it.
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithRefresher enables credential refresh on Unauthorized responses and on
// expired JWTs.
func WithRefresher(fn Refresher) Option {
	return func(c *Client) {
		c.refresher = fn
	}
}

// WithDispatcher sets where Future.Then callbacks run
func WithDispatcher(d Dispatcher) Option {
	return func(c *Client) {
		c.dispatcher = d
	}
}

// WithIDGenerator sets the generator for call handles and idempotency keys
func WithIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.newID = gen
	}
}

// WithClock sets the clock used for credential expiry and HTTP-date
// Retry-After values.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// ValidateConfiguration validates the options applied to the client
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRateLimiterConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateOptionCombinations()...)

	if c.logger == nil {
		errors = append(errors, "logger cannot be nil")
	}
	if c.dispatcher == nil {
		errors = append(errors, "dispatcher cannot be nil")
	}
	if c.now == nil {
		errors = append(errors, "clock cannot be nil")
	}

	if len(errors) > 0 {
		return &Error{
			Kind:    KindValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

// validateRateLimiterConfig validates rate limiter configuration
func (c *Client) validateRateLimiterConfig() []string {
	var errors []string

	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens <= 0 {
			errors = append(errors, "rateLimiter maxTokens must be positive")
		}
		if c.rateLimiter.refillRate <= 0 {
			errors = append(errors, "rateLimiter refillRate must be positive")
		}
		if c.rateLimiter.refillRate > 0 && c.rateLimiter.refillRate < time.Millisecond {
			errors = append(errors, "rateLimiter refillRate < 1ms may cause excessive CPU usage")
		}
	}

	return errors
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.circuitBreaker.config.SuccessThreshold <= 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateOptionCombinations rejects options that would be silently ignored
func (c *Client) validateOptionCombinations() []string {
	var errors []string

	if c.transport != nil {
		if len(c.middleware) > 0 {
			errors = append(errors, "middleware has no effect with a custom transport")
		}
		if c.circuitBreaker != nil {
			errors = append(errors, "circuit breaker has no effect with a custom transport")
		}
		if c.rateLimiter != nil {
			errors = append(errors, "rate limiter has no effect with a custom transport")
		}
		if c.httpClient != nil {
			errors = append(errors, "HTTP client has no effect with a custom transport")
		}
	}

	return errors
}
