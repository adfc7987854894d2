// Package ring provides a capacity-bounded ring buffer used for the
// rolling windows kept by the analyzers.
package ring

// Buffer is a fixed-capacity FIFO ring. Pushing onto a full buffer
// discards the oldest element. The zero value is not usable; construct
// with New.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New constructs a ring buffer with the provided capacity. Capacity must
// be positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	tail := (b.head + b.size) % len(b.items)
	b.items[tail] = v
	if b.size == len(b.items) {
		b.head = (b.head + 1) % len(b.items)
		return
	}
	b.size++
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// At returns the element at index i, oldest first. It panics when i is
// out of range.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Items copies the buffered elements oldest-first into a fresh slice.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.At(i)
	}
	return out
}

// Last copies the most recent n elements oldest-first. When fewer than n
// elements exist, all of them are returned.
func (b *Buffer[T]) Last(n int) []T {
	if n >= b.size {
		return b.Items()
	}
	out := make([]T, 0, n)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.At(i))
	}
	return out
}

// Head returns the oldest element. The second result is false when the
// buffer is empty.
func (b *Buffer[T]) Head() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(0), true
}

// Tail returns the newest element. The second result is false when the
// buffer is empty.
func (b *Buffer[T]) Tail() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(b.size - 1), true
}
