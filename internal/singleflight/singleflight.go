// Package singleflight coalesces concurrent calls that share a key so the
// underlying work runs once and every caller receives its result.
package singleflight

import "sync"

// Group manages a set of in-flight calls. The zero value is ready to use.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	wg   sync.WaitGroup
	val  T
	err  error
	dups int
}

// Do executes fn, making sure that only one execution is in flight for a
// given key at a time. A duplicate caller waits for the original to complete
// and receives the same results; shared reports whether that happened to
// more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := &call[T]{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	// Forget the key before releasing waiters: a caller arriving after this
	// point starts a fresh execution instead of reusing a finished one.
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, c.dups > 0
}

// InFlight reports whether a call for key is currently executing.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
