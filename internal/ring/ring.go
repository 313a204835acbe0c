// Package ring provides a fixed-capacity buffer that evicts the oldest
// element on overflow. It backs every bounded history in riskgate: behavior
// profiles, communication records, audit trails and incident logs.
package ring

// Buffer is a FIFO ring of at most Cap elements.
// It is not safe for concurrent use; owners serialize access.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New creates a buffer holding at most capacity elements.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
// It reports whether an element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	return true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the maximum number of elements.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// At returns the i-th element counting from the oldest.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := range b.size {
		out[i] = b.At(i)
	}
	return out
}

// Last returns up to n of the newest elements, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := b.size - n
	for i := range n {
		out[i] = b.At(start + i)
	}
	return out
}

// Newest returns the most recently pushed element.
func (b *Buffer[T]) Newest() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(b.size - 1), true
}

// Each calls fn for each element oldest first until fn returns false.
func (b *Buffer[T]) Each(fn func(T) bool) {
	for i := range b.size {
		if !fn(b.At(i)) {
			return
		}
	}
}

// Reset drops all elements.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.head, b.size = 0, 0
}
