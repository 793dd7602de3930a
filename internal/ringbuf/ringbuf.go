// Package ringbuf provides a fixed-capacity ring buffer with an explicit
// eviction policy. When a push finds the buffer full, the oldest entries are
// evicted in one batch so that only the newest `retain` entries remain
// (including the one being pushed).
//
// The buffer is owned by a single evaluation cycle and is not safe for
// concurrent use.
package ringbuf

import "encoding/json"

// Ring is a bounded FIFO of T.
type Ring[T any] struct {
	buf    []T
	head   int // index of the oldest element
	n      int
	retain int

	evicted uint64
}

// New creates a ring holding at most capacity items. On overflow it keeps the
// newest retain items. retain is clamped to [1, capacity].
func New[T any](capacity, retain int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	if retain < 1 || retain > capacity {
		retain = capacity
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		retain: retain,
	}
}

// Push appends v, evicting a batch of old entries if the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.n == len(r.buf) {
		r.Drop(r.n - r.retain + 1)
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
}

// Drop evicts the k oldest entries.
func (r *Ring[T]) Drop(k int) {
	if k <= 0 {
		return
	}
	if k > r.n {
		k = r.n
	}
	var zero T
	for i := 0; i < k; i++ {
		r.buf[(r.head+i)%len(r.buf)] = zero
	}
	r.head = (r.head + k) % len(r.buf)
	r.n -= k
	r.evicted += uint64(k)
}

// DropWhile evicts entries from the oldest end while stale returns true.
func (r *Ring[T]) DropWhile(stale func(T) bool) {
	k := 0
	for k < r.n && stale(r.buf[(r.head+k)%len(r.buf)]) {
		k++
	}
	r.Drop(k)
}

// At returns the i-th entry, oldest first.
func (r *Ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the newest entry.
func (r *Ring[T]) Last() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.At(r.n - 1), true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Reset empties the ring without counting evictions.
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Retain returns the number of entries kept after an overflow.
func (r *Ring[T]) Retain() int { return r.retain }

// Evicted returns the total number of entries dropped.
func (r *Ring[T]) Evicted() uint64 { return r.evicted }

// MarshalJSON encodes the contents as a JSON array, oldest first.
func (r *Ring[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Items())
}

// UnmarshalJSON replaces the contents with a JSON array. A ring decoded into
// a zero value adopts the array length as capacity; an existing ring keeps
// its capacity and applies its eviction policy to the loaded items.
func (r *Ring[T]) UnmarshalJSON(b []byte) error {
	var items []T
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	if len(r.buf) == 0 {
		*r = *New[T](max(len(items), 1), max(len(items), 1))
	}
	r.Reset()
	for _, v := range items {
		r.Push(v)
	}
	return nil
}
