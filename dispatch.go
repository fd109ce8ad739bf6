package codecks

import "sync"

// Dispatcher delivers completion callbacks. Hosts with a main thread or tick
// loop supply one that runs callbacks there.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// InlineDispatcher runs callbacks on the goroutine that resolved the call.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(fn func()) { fn() }

// QueueDispatcher buffers callbacks until the host drains them, typically
// once per frame on its main thread.
type QueueDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

// NewQueueDispatcher returns an empty queue.
func NewQueueDispatcher() *QueueDispatcher {
	return &QueueDispatcher{}
}

func (q *QueueDispatcher) Dispatch(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
}

// Drain runs every queued callback on the calling goroutine in FIFO order
// and returns how many ran. Callbacks queued while draining run on the next
// Drain.
func (q *QueueDispatcher) Drain() int {
	q.mu.Lock()
	queue := q.queue
	q.queue = nil
	q.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Len returns the number of queued callbacks.
func (q *QueueDispatcher) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
