package codecks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies every failure a call can surface.
type ErrorKind string

const (
	KindInvalidParameter ErrorKind = "InvalidParameter"

	KindConnectionFailed ErrorKind = "ConnectionFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
	KindCircuitOpen      ErrorKind = "CircuitOpen"

	KindUnauthorized ErrorKind = "Unauthorized"
	KindForbidden    ErrorKind = "Forbidden"
	KindNotFound     ErrorKind = "NotFound"
	KindConflict     ErrorKind = "Conflict"
	KindRateLimited  ErrorKind = "RateLimited"
	KindServerError  ErrorKind = "ServerError"
	KindClientError  ErrorKind = "ClientError"

	KindSchemaMismatch ErrorKind = "SchemaMismatch"
	KindMalformedError ErrorKind = "MalformedError"

	KindValidation ErrorKind = "Validation"
)

// Sentinels for errors.Is. Matching compares the Kind only.
var (
	ErrInvalidParameter = &Error{Kind: KindInvalidParameter}
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrServerError      = &Error{Kind: KindServerError}
	ErrClientError      = &Error{Kind: KindClientError}
	ErrSchemaMismatch   = &Error{Kind: KindSchemaMismatch}
	ErrMalformedError   = &Error{Kind: KindMalformedError}
)

// ErrAlreadyResolved is returned by Registry.Resolve when the token was
// already resolved, cancelled or timed out. It indicates a programming error
// and is never delivered to a caller's continuation.
var ErrAlreadyResolved = errors.New("codecks: pending call already resolved")

// ErrClientClosed is returned for calls started after Close.
var ErrClientClosed = errors.New("codecks: client closed")

// FieldError is a field-level detail from an API error envelope.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single typed error surfaced by every operation.
type Error struct {
	Kind       ErrorKind
	Message    string
	Code       string
	Details    []FieldError
	StatusCode int
	RetryAfter time.Duration
	Excerpt    string

	Operation  string
	Method     string
	Endpoint   string
	RequestID  string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.RequestID != "" {
		fmt.Fprintf(&b, "[%s] ", e.RequestID)
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " (attempt %d/%d)", e.Attempt, e.MaxRetries)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.Code != "" {
		fmt.Fprintf(&b, "Code: %s\n", e.Code)
	}
	for _, d := range e.Details {
		fmt.Fprintf(&b, "Field %s: %s\n", d.Field, d.Message)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, "Operation: %s\n", e.Operation)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint: %s\n", e.Endpoint)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, "Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Excerpt != "" {
		fmt.Fprintf(&b, "Body: %s\n", e.Excerpt)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is worth retrying: connection failures,
// timeouts, rate limiting and 5xx responses.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnectionFailed, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

func invalidParameter(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParameter, Message: fmt.Sprintf(format, args...)}
}
