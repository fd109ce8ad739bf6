package codecks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ambiyansyah-risyal/codecks/internal/singleflight"
)

const refreshTimeout = 15 * time.Second

// Client is the typed Codecks API client. Every operation runs as one
// logical call: it is registered with the pending-call registry, retried
// according to the retry policy and resolved exactly once. It is safe for
// concurrent use.
type Client struct {
	cfg Config

	transport      Transport
	httpClient     *http.Client
	middleware     []Middleware
	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter

	builder  *RequestBuilder
	decoder  *Decoder
	policy   RetryPolicy
	registry *Registry
	slots    *semaphore.Weighted
	records  *RecordStore

	cred      atomic.Pointer[Credential]
	refreshes singleflight.Group[Credential]
	refresher Refresher
	store     CredentialStore

	logger         *slog.Logger
	metrics        *MetricsCollector
	tracerProvider trace.TracerProvider
	tracer         tracer
	dispatcher     Dispatcher

	newID func() string
	now   func() time.Time

	closed atomic.Bool
}

// call is the per-logical-call context threaded through the retry loop.
type call struct {
	handle    string
	operation string
	state     *callState
	span      trace.Span
}

// New constructs a Client from cfg and options. It fails when cfg or the
// options are invalid. A CredentialStore that cannot be read is logged and
// the client starts without a credential.
func New(cfg Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		registry:   NewRegistry(),
		records:    NewRecordStore(),
		logger:     slog.New(slog.DiscardHandler),
		dispatcher: InlineDispatcher{},
		now:        time.Now,
	}
	for _, option := range options {
		option(c)
	}
	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}

	c.builder = NewRequestBuilder(cfg.UserAgent)
	if c.newID != nil {
		c.builder.newKey = c.newID
	} else {
		c.newID = c.builder.newKey
	}
	c.decoder = NewDecoder()
	c.decoder.now = c.now
	if c.policy == nil {
		c.policy = NewDefaultRetryPolicy(cfg.Retry)
	}
	c.slots = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	c.registry.metrics = c.metrics
	c.tracer = newTracer(c.tracerProvider)

	if c.transport == nil {
		t := NewHTTPTransport(cfg.BaseURL, c.httpClient, cfg.AllowInsecure, c.middleware...)
		t.breaker = c.circuitBreaker
		t.limiter = c.rateLimiter
		t.metrics = c.metrics
		c.transport = t
	}

	if c.cred.Load() == nil && cfg.Token != "" {
		cred := ParseCredential(cfg.Token, cfg.Account)
		c.cred.Store(&cred)
	}
	if c.cred.Load() == nil && c.store != nil {
		cred, err := c.store.Load(context.Background())
		switch {
		case errors.Is(err, ErrNoCredential):
			c.logger.Debug("no stored credential")
		case err != nil:
			c.logger.Warn("loading stored credential failed", "error", err)
		default:
			c.cred.Store(&cred)
		}
	}
	if c.cred.Load() == nil {
		c.cred.Store(&Credential{})
	}

	return c, nil
}

// Credential returns the current credential.
func (c *Client) Credential() Credential {
	return *c.cred.Load()
}

// SetCredential replaces the credential for calls built from now on and
// persists it when a store is configured.
func (c *Client) SetCredential(ctx context.Context, cred Credential) error {
	c.cred.Store(&cred)
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Records returns the session view of cards and decks seen by this client.
func (c *Client) Records() *RecordStore {
	return c.records
}

// Pending returns the number of unresolved calls.
func (c *Client) Pending() int {
	return c.registry.Len()
}

// Close cancels every outstanding call; calls started afterwards fail
// immediately with Cancelled wrapping ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if n := c.registry.CancelAll(); n > 0 {
		c.logger.Debug("cancelled pending calls", "count", n)
	}
	return nil
}

// startCall registers a logical call and runs it on its own goroutine.
// commit runs only when the call's own outcome wins resolution, so a
// cancelled or timed-out call never publishes side effects.
func startCall[T any](c *Client, ctx context.Context, operation string, commit func(T), run func(context.Context, *call) (T, error)) *Future[T] {
	handle := c.newID()
	deadline := time.Now().Add(c.cfg.Deadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	callCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	f := newFuture[T](handle, c.registry, c.dispatcher, cancel)

	if c.closed.Load() {
		f.token = c.registry.Register(handle, time.Time{}, f.deliver)
		_ = c.registry.Resolve(f.token, Outcome{Err: &Error{
			Kind:      KindCancelled,
			Message:   "client closed",
			Operation: operation,
			RequestID: handle,
			Cause:     ErrClientClosed,
		}})
		return f
	}

	callCtx, span := c.tracer.start(callCtx, operation, handle)
	cl := &call{handle: handle, operation: operation, state: f.state, span: span}
	start := time.Now()

	f.token = c.registry.Register(handle, deadline, func(o Outcome) {
		var e *Error
		if errors.As(o.Err, &e) {
			if e.Operation == "" {
				e.Operation = operation
			}
			if e.RequestID == "" {
				e.RequestID = handle
			}
		}
		if o.Err == nil && commit != nil {
			if v, ok := o.Value.(T); ok {
				commit(v)
			}
		}
		f.deliver(o)

		state := f.state.get()
		c.metrics.RecordCall(operation, state)
		if o.Err != nil {
			c.metrics.RecordError(operation, KindOf(o.Err))
		}
		spanEnd(span, state, o.Err)
		c.logger.Debug("call finished",
			"call_id", handle,
			"operation", operation,
			"state", state.String(),
			"duration", time.Since(start),
		)
	})

	c.logger.Debug("call started", "call_id", handle, "operation", operation, "deadline", deadline)

	// The caller's context cancels the call directly so a blocked worker
	// cannot delay the outcome.
	stop := context.AfterFunc(ctx, func() {
		e := &Error{Kind: KindCancelled, Message: "call cancelled"}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.Kind, e.Message = KindTimeout, "deadline exceeded"
		}
		_ = c.registry.Resolve(f.token, Outcome{Err: e})
	})

	go func() {
		defer stop()
		v, err := run(callCtx, cl)
		if rerr := c.registry.Resolve(f.token, Outcome{Value: v, Err: err}); rerr != nil {
			c.logger.Debug("discarding outcome of resolved call", "call_id", handle, "operation", operation)
		}
	}()

	return f
}

// roundTrip drives one operation through build, send, decode and the retry
// loop. decode receives the response and the secrets to scrub from errors.
func (c *Client) roundTrip(ctx context.Context, cl *call, op Operation, decode func(ApiResponse, []string) error) error {
	var key string
	if op.Mutating() {
		key = c.builder.NewIdempotencyKey()
	}
	refreshed := false

	for attempt := 0; ; {
		cred, err := c.currentCredential(ctx, op)
		if err != nil {
			return err
		}
		req, err := c.builder.Build(op, cred, key)
		if err != nil {
			return err
		}

		secrets := []string{cred.Token, c.cfg.ReportToken}
		resp, err := c.send(ctx, cl, req)
		if err == nil {
			err = decode(resp, secrets)
		}
		spanAttempt(cl.span, attempt, resp.StatusCode, err)
		if err == nil {
			return nil
		}
		c.annotate(err, cl, req, attempt)

		kind := KindOf(err)
		if kind == KindSchemaMismatch || kind == KindMalformedError {
			c.logger.Error("unexpected response shape",
				"call_id", cl.handle,
				"operation", cl.operation,
				"status", resp.StatusCode,
				"error", err,
			)
		}

		if kind == KindUnauthorized && !refreshed && c.refresher != nil && bearerAuth(op) {
			refreshed = true
			if _, rerr := c.refreshCredential(ctx, cred); rerr != nil {
				return err
			}
			cl.state.transition(StateRetrying)
			c.logger.Debug("retrying with refreshed credential", "call_id", cl.handle, "operation", cl.operation)
			continue
		}

		delay, ok := c.retryDelay(op, err, attempt)
		if !ok {
			return err
		}
		if d, has := ctx.Deadline(); has && time.Now().Add(delay).After(d) {
			c.logger.Debug("retry would exceed deadline",
				"call_id", cl.handle,
				"operation", cl.operation,
				"delay", delay,
			)
			return err
		}

		cl.state.transition(StateRetrying)
		c.metrics.RecordRetry(cl.operation, kind)
		c.logger.Debug("scheduling retry",
			"call_id", cl.handle,
			"operation", cl.operation,
			"attempt", attempt+1,
			"delay", delay,
			"kind", string(kind),
		)
		if err := sleep(ctx, delay); err != nil {
			return transportError(ctx, req, err)
		}
		attempt++
	}
}

// send performs one round trip inside an in-flight slot. Slots are granted
// in FIFO order.
func (c *Client) send(ctx context.Context, cl *call, req ApiRequest) (ApiResponse, error) {
	queued := time.Now()
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return ApiResponse{}, transportError(ctx, req, err)
	}
	defer c.slots.Release(1)
	c.metrics.RecordQueueWait(time.Since(queued))

	cl.state.transition(StateSent)
	c.metrics.RecordRequestStart()
	defer c.metrics.RecordRequestEnd()

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	resp, err := c.transport.Send(ctx, req, deadline)
	c.metrics.RecordRequest(req.Operation, resp.StatusCode, resp.Latency)
	if err != nil {
		return resp, err
	}
	c.logger.Debug("response received",
		"call_id", cl.handle,
		"operation", req.Operation,
		"status", resp.StatusCode,
		"latency", resp.Latency,
	)
	return resp, nil
}

func (c *Client) retryDelay(op Operation, err error, attempt int) (time.Duration, bool) {
	if f, ok := op.(retryFilter); ok && !f.retryable(err) {
		return 0, false
	}
	return c.policy.ShouldRetry(err, attempt)
}

func (c *Client) annotate(err error, cl *call, req ApiRequest, attempt int) {
	var e *Error
	if !errors.As(err, &e) {
		return
	}
	e.Operation = cl.operation
	e.Method = req.Method
	e.Endpoint = req.Path
	e.RequestID = cl.handle
	e.Attempt = attempt
	if p, ok := c.policy.(interface{ MaxRetries() int }); ok {
		e.MaxRetries = p.MaxRetries()
	}
	e.Timestamp = c.now()
}

// currentCredential returns the credential to build with, refreshing first
// when its known expiry has passed.
func (c *Client) currentCredential(ctx context.Context, op Operation) (Credential, error) {
	cred := c.Credential()
	if !bearerAuth(op) || c.refresher == nil || !cred.Expired(c.now()) {
		return cred, nil
	}
	c.logger.Debug("credential expired, refreshing before send", "credential", cred)
	next, err := c.refreshCredential(ctx, cred)
	if err != nil {
		return Credential{}, &Error{Kind: KindUnauthorized, Message: "credential expired and refresh failed", Cause: err}
	}
	return next, nil
}

// refreshCredential runs the refresher once for all concurrent callers that
// observed old being rejected. When another caller already replaced old the
// current credential is returned without refreshing again.
func (c *Client) refreshCredential(ctx context.Context, old Credential) (Credential, error) {
	next, err, shared := c.refreshes.Do("credential", func() (Credential, error) {
		if cur := c.Credential(); cur.Token != old.Token {
			return cur, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		cred, err := c.refresher(rctx, old)
		if err == nil && cred.IsZero() {
			err = errors.New("refresher returned an empty credential")
		}
		c.metrics.RecordCredentialRefresh(err == nil)
		if err != nil {
			c.logger.Warn("credential refresh failed", "error", err)
			return Credential{}, err
		}
		c.cred.Store(&cred)
		if c.store != nil {
			if err := c.store.Save(rctx, cred); err != nil {
				c.logger.Warn("saving refreshed credential failed", "error", err)
			}
		}
		return cred, nil
	})
	if shared {
		c.logger.Debug("joined in-flight credential refresh")
	}
	return next, err
}

// retryFilter narrows which errors an operation may retry.
type retryFilter interface {
	retryable(err error) bool
}

func bearerAuth(op Operation) bool {
	_, report := op.(createReportOp)
	return !report
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
