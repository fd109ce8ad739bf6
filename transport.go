package codecks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBody = 10 << 20

// Transport performs one HTTP round trip for a built request. deadline, when
// non-zero, bounds the whole exchange including reading the body.
// Implementations report failures as *Error with kind ConnectionFailed,
// Timeout, Cancelled or CircuitOpen.
type Transport interface {
	Send(ctx context.Context, req ApiRequest, deadline time.Time) (ApiResponse, error)
}

// HTTPTransport is the net/http Transport. It is safe for concurrent use.
type HTTPTransport struct {
	httpClient    *http.Client
	baseURL       string
	allowInsecure bool
	middleware    []Middleware
	breaker       *CircuitBreaker
	limiter       *RateLimiter
	metrics       *MetricsCollector
}

// NewHTTPTransport returns a transport rooted at baseURL. A nil httpClient
// gets a default client without its own timeout; deadlines come from Send.
func NewHTTPTransport(baseURL string, httpClient *http.Client, allowInsecure bool, middleware ...Middleware) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPTransport{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		allowInsecure: allowInsecure,
		middleware:    middleware,
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req ApiRequest, deadline time.Time) (ApiResponse, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	target, err := t.resolve(req)
	if err != nil {
		return ApiResponse{}, err
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return ApiResponse{}, transportError(ctx, req, err)
		}
		t.metrics.RecordRateLimiterTokens(t.limiter.Tokens())
	}

	if t.breaker != nil && !t.breaker.Allow() {
		return ApiResponse{}, &Error{
			Kind:      KindCircuitOpen,
			Message:   "circuit breaker is open",
			Operation: req.Operation,
			Method:    req.Method,
			Endpoint:  req.Path,
		}
	}

	resp, err := t.exchange(ctx, req, target)
	if t.breaker != nil {
		t.breaker.observe(judgeExchange(ctx, resp.StatusCode, err))
		t.metrics.RecordCircuitBreakerState(t.breaker.State())
	}
	return resp, err
}

// exchange performs the HTTP round trip and reads the whole body.
func (t *HTTPTransport) exchange(ctx context.Context, req ApiRequest, target string) (ApiResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return ApiResponse{}, invalidParameter("%s: %v", req.Operation, err)
	}
	for _, h := range req.Header {
		httpReq.Header.Add(h.Name, h.Value)
	}

	start := time.Now()
	resp, err := t.executeMiddleware(httpReq)
	if err != nil {
		return ApiResponse{}, transportError(ctx, req, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return ApiResponse{StatusCode: resp.StatusCode}, transportError(ctx, req, err)
	}

	return ApiResponse{
		StatusCode: resp.StatusCode,
		Header:     headerFields(resp.Header),
		Body:       raw,
		Latency:    time.Since(start),
	}, nil
}

func (t *HTTPTransport) resolve(req ApiRequest) (string, error) {
	base := t.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	u, err := url.Parse(base + req.Path)
	if err != nil {
		return "", invalidParameter("%s: invalid URL: %v", req.Operation, err)
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && t.allowInsecure) {
		return "", invalidParameter("%s: refusing non-TLS endpoint %s://%s", req.Operation, u.Scheme, u.Host)
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String(), nil
}

func (t *HTTPTransport) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.httpClient.Do(req)
	}

	current := RoundTripperFunc(t.httpClient.Do)

	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// transportError classifies a failed exchange. The cause is kept for
// errors.Is/As but the message never includes the URL, which may carry a
// report token.
func transportError(ctx context.Context, req ApiRequest, err error) *Error {
	e := &Error{
		Operation: req.Operation,
		Method:    req.Method,
		Endpoint:  req.Path,
	}
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		e.Kind, e.Message = KindTimeout, "deadline exceeded"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		e.Kind, e.Message = KindCancelled, "call cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind, e.Message = KindTimeout, "network timeout"
	default:
		e.Kind, e.Message = KindConnectionFailed, "connection failed"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	e.Cause = err
	return e
}
