package codecks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func registeredFuture[T any](r *Registry, d Dispatcher) *Future[T] {
	f := newFuture[T]("call-1", r, d, nil)
	f.token = r.Register(f.handle, time.Time{}, f.deliver)
	return f
}

func TestFutureResolvesOnce(t *testing.T) {
	r := NewRegistry()
	f := registeredFuture[string](r, nil)
	f.state.transition(StateSent)

	var calls atomic.Int32
	f.Then(func(v string, err error) {
		calls.Add(1)
		if v != "ok" || err != nil {
			t.Errorf("Then got %q, %v", v, err)
		}
	})

	if err := r.Resolve(f.token, Outcome{Value: "ok"}); err != nil {
		t.Fatal(err)
	}
	_ = r.Resolve(f.token, Outcome{Value: "again"})

	v, err := f.Wait()
	if v != "ok" || err != nil {
		t.Errorf("Wait() = %q, %v", v, err)
	}
	if f.State() != StateSucceeded {
		t.Errorf("State() = %v", f.State())
	}
	if calls.Load() != 1 {
		t.Errorf("callback ran %d times", calls.Load())
	}
}

func TestFutureThenAfterResolution(t *testing.T) {
	r := NewRegistry()
	f := registeredFuture[int](r, nil)
	f.state.transition(StateSent)
	_ = r.Resolve(f.token, Outcome{Value: 7})

	got := make(chan int, 1)
	f.Then(func(v int, err error) { got <- v })
	if v := <-got; v != 7 {
		t.Errorf("late Then got %d", v)
	}
}

func TestFutureCancel(t *testing.T) {
	r := NewRegistry()
	cancelled := false
	f := newFuture[int]("call-1", r, nil, func() { cancelled = true })
	f.token = r.Register(f.handle, time.Time{}, f.deliver)

	f.Cancel()
	_, err := f.Wait()
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait() error = %v", err)
	}
	if f.State() != StateCancelled {
		t.Errorf("State() = %v", f.State())
	}
	if !cancelled {
		t.Error("context cancel func not called")
	}

	// A value arriving after cancellation is never delivered.
	if err := r.Resolve(f.token, Outcome{Value: 5}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Resolve after cancel = %v", err)
	}
	if v, _ := f.Result(); v != 0 {
		t.Errorf("Result() = %d after cancel", v)
	}
	f.Cancel()
}

func TestFutureAwaitDoesNotCancel(t *testing.T) {
	r := NewRegistry()
	f := registeredFuture[int](r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error = %v", err)
	}
	if f.State().Terminal() {
		t.Fatalf("Await timing out resolved the call: %v", f.State())
	}

	f.state.transition(StateSent)
	_ = r.Resolve(f.token, Outcome{Value: 3})
	if v, err := f.Await(context.Background()); v != 3 || err != nil {
		t.Errorf("Await() = %d, %v", v, err)
	}
}

func TestFutureFailureState(t *testing.T) {
	r := NewRegistry()
	f := registeredFuture[int](r, nil)
	_ = r.Resolve(f.token, Outcome{Err: &Error{Kind: KindInvalidParameter}})
	if f.State() != StateFailed {
		t.Errorf("State() = %v, want failed", f.State())
	}
}

func TestCallStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []CallState
		ok   []bool
	}{
		{"happy path", []CallState{StateSent, StateSucceeded}, []bool{true, true}},
		{"retry", []CallState{StateSent, StateRetrying, StateSent, StateFailed}, []bool{true, true, true, true}},
		{"no success before send", []CallState{StateSucceeded}, []bool{false}},
		{"terminal is final", []CallState{StateCancelled, StateSent}, []bool{true, false}},
		{"no retry from building", []CallState{StateRetrying}, []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s callState
			for i, next := range tt.path {
				if got := s.transition(next); got != tt.ok[i] {
					t.Fatalf("transition(%v) = %v, want %v", next, got, tt.ok[i])
				}
			}
		})
	}
}

func TestQueueDispatcher(t *testing.T) {
	q := NewQueueDispatcher()
	r := NewRegistry()
	f := registeredFuture[string](r, q)
	f.state.transition(StateSent)

	var got []string
	f.Then(func(v string, err error) { got = append(got, "first:"+v) })
	f.Then(func(v string, err error) { got = append(got, "second:"+v) })
	_ = r.Resolve(f.token, Outcome{Value: "x"})

	if len(got) != 0 {
		t.Fatal("callbacks ran before Drain")
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d", q.Len())
	}

	q.Dispatch(func() {
		q.Dispatch(func() { got = append(got, "nested") })
	})
	if n := q.Drain(); n != 3 {
		t.Errorf("Drain() = %d, want 3", n)
	}
	if len(got) != 2 || got[0] != "first:x" || got[1] != "second:x" {
		t.Errorf("order = %v", got)
	}
	if n := q.Drain(); n != 1 || got[2] != "nested" {
		t.Errorf("second Drain() = %d, got %v", n, got)
	}
}

func TestDispatcherFunc(t *testing.T) {
	ran := false
	DispatcherFunc(func(fn func()) { fn() }).Dispatch(func() { ran = true })
	if !ran {
		t.Error("DispatcherFunc did not run the callback")
	}
}
