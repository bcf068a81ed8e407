package state

// ring is a fixed-capacity buffer that overwrites its oldest element.
type ring[T any] struct {
	buf  []T
	head int // next write position
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}

// oldestFirst copies the contents in insertion order.
func (r *ring[T]) oldestFirst() []T {
	out := make([]T, r.n)
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// newestFirst copies the contents, most recent first.
func (r *ring[T]) newestFirst() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head-1-i+2*len(r.buf))%len(r.buf)]
	}
	return out
}
