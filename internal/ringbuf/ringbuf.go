// Package ringbuf provides the bounded, oldest-first-eviction history log
// shared by the broker, relay, webhook manager and job router.
package ringbuf

import "github.com/gammazero/deque"

// Ring is a fixed-capacity log. Pushing past capacity evicts the oldest
// entry. Ring is not safe for concurrent use; owners guard it with their
// own mutex.
type Ring[T any] struct {
	q   *deque.Deque[T]
	cap int
}

// New returns a Ring holding at most capacity items. A capacity below 1 is
// treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{q: deque.New[T](), cap: capacity}
}

// Push appends v. When the ring was already full, the evicted item is
// returned with ok=true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	r.q.PushBack(v)
	if r.q.Len() > r.cap {
		return r.q.PopFront(), true
	}
	return evicted, false
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.q.Len() }

// Cap returns the configured capacity.
func (r *Ring[T]) Cap() int { return r.cap }

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.q.Len())
	for i := range out {
		out[i] = r.q.At(i)
	}
	return out
}

// Tail returns a copy of the newest n items, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	size := r.q.Len()
	if n <= 0 {
		return []T{}
	}
	if n > size {
		n = size
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.q.At(size - n + i)
	}
	return out
}

// Each calls fn for every item, oldest first, until fn returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := 0; i < r.q.Len(); i++ {
		if !fn(r.q.At(i)) {
			return
		}
	}
}

// Drain removes and returns every item, oldest first.
func (r *Ring[T]) Drain() []T {
	out := r.Items()
	r.q.Clear()
	return out
}
