package diag

// Ring is a fixed-capacity FIFO buffer backing the bounded histories kept
// by the analyzers. Appending past capacity evicts the oldest entry. It is
// not safe for concurrent use; each owning analyzer guards it with its own
// lock.
type Ring[T any] struct {
	buf  []T
	head int
	size int
}

// NewRing creates a ring with the given capacity. Capacity below 1 is
// treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (r *Ring[T]) Append(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Items returns the stored entries oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns up to n newest entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// Latest returns the newest entry, if any.
func (r *Ring[T]) Latest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}
