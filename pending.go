package codecks

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownToken is returned by Registry.Resolve for a token the registry
// never issued.
var ErrUnknownToken = errors.New("codecks: unknown pending-call token")

// Token identifies one registration. Tokens are issued from a monotonic
// counter and never reused.
type Token uint64

// Outcome is what a pending call resolves with: a value, or an error.
type Outcome struct {
	Value any
	Err   error
}

type pendingCall struct {
	token    Token
	handle   string
	deadline time.Time
	timer    *time.Timer
	deliver  func(Outcome)
}

// Registry tracks in-flight calls and guarantees each resolves exactly once:
// with an outcome, with a Timeout error at its deadline, or Cancelled.
// Mutations are serialized by one mutex; the winning resolution is delivered
// outside the lock.
type Registry struct {
	mu      sync.Mutex
	next    Token
	calls   map[Token]*pendingCall
	metrics *MetricsCollector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[Token]*pendingCall)}
}

// Register tracks a call under the caller-supplied handle. deliver runs
// exactly once. A zero deadline means no registry-enforced timeout.
func (r *Registry) Register(handle string, deadline time.Time, deliver func(Outcome)) Token {
	if deliver == nil {
		deliver = func(Outcome) {}
	}

	r.mu.Lock()
	r.next++
	tok := r.next
	pc := &pendingCall{token: tok, handle: handle, deadline: deadline, deliver: deliver}
	if !deadline.IsZero() {
		pc.timer = time.AfterFunc(time.Until(deadline), func() {
			_ = r.Resolve(tok, Outcome{Err: &Error{Kind: KindTimeout, Message: "deadline exceeded", RequestID: handle}})
		})
	}
	r.calls[tok] = pc
	n := len(r.calls)
	r.mu.Unlock()

	r.metrics.RecordPendingCalls(n)
	return tok
}

// Resolve completes the call. It returns ErrAlreadyResolved when the token
// was resolved before (including by timeout or CancelAll).
func (r *Registry) Resolve(tok Token, outcome Outcome) error {
	r.mu.Lock()
	pc, ok := r.calls[tok]
	if !ok {
		issued := tok != 0 && tok <= r.next
		r.mu.Unlock()
		if issued {
			return ErrAlreadyResolved
		}
		return ErrUnknownToken
	}
	delete(r.calls, tok)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	n := len(r.calls)
	r.mu.Unlock()

	r.metrics.RecordPendingCalls(n)
	pc.deliver(outcome)
	return nil
}

// Cancel resolves tok with a Cancelled error.
func (r *Registry) Cancel(tok Token) error {
	return r.Resolve(tok, Outcome{Err: &Error{Kind: KindCancelled, Message: "call cancelled"}})
}

// CancelAll resolves every outstanding call with Cancelled and returns how
// many were cancelled. Used at teardown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	calls := make([]*pendingCall, 0, len(r.calls))
	for _, pc := range r.calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		calls = append(calls, pc)
	}
	r.calls = make(map[Token]*pendingCall)
	r.mu.Unlock()

	r.metrics.RecordPendingCalls(0)
	sort.Slice(calls, func(i, j int) bool { return calls[i].token < calls[j].token })
	for _, pc := range calls {
		pc.deliver(Outcome{Err: &Error{Kind: KindCancelled, Message: "client shut down", RequestID: pc.handle}})
	}
	return len(calls)
}

// Len returns the number of unresolved calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Handles returns the handles of unresolved calls in registration order.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	calls := make([]*pendingCall, 0, len(r.calls))
	for _, pc := range r.calls {
		calls = append(calls, pc)
	}
	r.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].token < calls[j].token })
	handles := make([]string, len(calls))
	for i, pc := range calls {
		handles[i] = pc.handle
	}
	return handles
}
