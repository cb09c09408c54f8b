package apm

// ring is a fixed-capacity circular buffer. Once full, new entries evict
// the oldest. Not safe for concurrent use; owners hold their own locks.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, 0, capacity)}
}

func (r *ring[T]) Add(v T) {
	if !r.full {
		r.buf = append(r.buf, v)
		if len(r.buf) == cap(r.buf) {
			r.full = true
		}
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *ring[T]) Len() int {
	return len(r.buf)
}

// Items returns the buffered entries, oldest first.
func (r *ring[T]) Items() []T {
	out := make([]T, 0, len(r.buf))
	if r.full {
		out = append(out, r.buf[r.next:]...)
		out = append(out, r.buf[:r.next]...)
		return out
	}
	return append(out, r.buf...)
}

// Last returns the newest n entries, oldest first. n larger than the
// buffer returns everything.
func (r *ring[T]) Last(n int) []T {
	items := r.Items()
	if n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}
