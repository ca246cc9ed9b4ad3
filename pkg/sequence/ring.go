package sequence

// Ring is a bounded FIFO buffer. Pushing into a full ring evicts the oldest
// element. It is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v and reports the evicted element, if any.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size == len(r.items) {
		evicted = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		return evicted, true
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return evicted, false
}

// At returns the i-th element, 0 being the oldest.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("sequence: ring index out of range")
	}
	return r.items[(r.head+i)%len(r.items)]
}

// Set overwrites the i-th element in place.
func (r *Ring[T]) Set(i int, v T) {
	if i < 0 || i >= r.size {
		panic("sequence: ring index out of range")
	}
	r.items[(r.head+i)%len(r.items)] = v
}

func (r *Ring[T]) Front() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

func (r *Ring[T]) Back() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// PopFront removes the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// DropWhile pops from the front while drop returns true, and returns how many
// elements were removed.
func (r *Ring[T]) DropWhile(drop func(T) bool) int {
	n := 0
	for r.size > 0 && drop(r.items[r.head]) {
		r.PopFront()
		n++
	}
	return n
}

// Slice copies the contents oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.items) }
