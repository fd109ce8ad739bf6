package codecks

import (
	"context"
	"sync"
	"sync/atomic"
)

// CallState is the lifecycle state of one logical call.
type CallState int32

const (
	StateBuilding CallState = iota
	StateSent
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s CallState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSent:
		return "sent"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s CallState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var callTransitions = map[CallState][]CallState{
	StateBuilding: {StateSent, StateFailed, StateCancelled},
	StateSent:     {StateRetrying, StateSucceeded, StateFailed, StateCancelled},
	StateRetrying: {StateSent, StateFailed, StateCancelled},
}

type callState struct {
	v atomic.Int32
}

func (c *callState) get() CallState {
	return CallState(c.v.Load())
}

// transition moves to next if the edge exists; terminal states are final.
func (c *callState) transition(next CallState) bool {
	for {
		cur := CallState(c.v.Load())
		allowed := false
		for _, s := range callTransitions[cur] {
			if s == next {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if c.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// finish moves to the terminal state matching err.
func (c *callState) finish(err error) CallState {
	next := StateSucceeded
	switch {
	case err == nil:
	case KindOf(err) == KindCancelled:
		next = StateCancelled
	default:
		next = StateFailed
	}
	if !c.transition(next) && next == StateSucceeded {
		// A success can only follow Sent; anything else is a failure path.
		c.transition(StateFailed)
	}
	return c.get()
}

// Future is the caller's handle on an asynchronous call. It resolves exactly
// once; a cancelled Future never later delivers a value.
type Future[T any] struct {
	handle     string
	token      Token
	registry   *Registry
	dispatcher Dispatcher
	state      *callState
	cancel     context.CancelFunc
	done       chan struct{}

	mu        sync.Mutex
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

func newFuture[T any](handle string, registry *Registry, dispatcher Dispatcher, cancel context.CancelFunc) *Future[T] {
	if dispatcher == nil {
		dispatcher = InlineDispatcher{}
	}
	return &Future[T]{
		handle:     handle,
		registry:   registry,
		dispatcher: dispatcher,
		state:      &callState{},
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// deliver is the registry continuation; the registry calls it at most once.
func (f *Future[T]) deliver(o Outcome) {
	var value T
	err := o.Err
	if err == nil {
		if v, ok := o.Value.(T); ok {
			value = v
		}
	}

	f.mu.Lock()
	f.value, f.err = value, err
	f.resolved = true
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	f.state.finish(err)
	if f.cancel != nil {
		f.cancel()
	}
	close(f.done)

	for _, cb := range callbacks {
		cb := cb
		f.dispatcher.Dispatch(func() { cb(value, err) })
	}
}

// Handle returns the caller-visible identifier of the call.
func (f *Future[T]) Handle() string { return f.handle }

// Token returns the registry token.
func (f *Future[T]) Token() Token { return f.token }

// State returns the current lifecycle state.
func (f *Future[T]) State() CallState { return f.state.get() }

// Done is closed once the call is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the call resolves or ctx is done. Giving up on ctx does
// not cancel the call; use Cancel for that.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the call resolves.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.Result()
}

// Result returns the outcome; it is only meaningful after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Cancel resolves the call with Cancelled and aborts any request in flight.
// Cancelling a resolved call is a no-op.
func (f *Future[T]) Cancel() {
	_ = f.registry.Cancel(f.token)
}

// Then registers cb to run through the client's Dispatcher once the call
// resolves. Registering after resolution dispatches immediately.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	f.dispatcher.Dispatch(func() { cb(value, err) })
}
