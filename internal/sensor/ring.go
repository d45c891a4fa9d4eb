package sensor

// CircularBuffer is a fixed-capacity ring buffer. Once full, each Push
// overwrites the oldest element.
type CircularBuffer[T any] struct {
	data  []T
	start int
	count int
}

// NewCircularBuffer returns an empty buffer holding at most capacity values.
// A capacity below one is treated as one.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &CircularBuffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (b *CircularBuffer[T]) Push(v T) {
	if b.count < len(b.data) {
		b.data[(b.start+b.count)%len(b.data)] = v
		b.count++
		return
	}
	b.data[b.start] = v
	b.start = (b.start + 1) % len(b.data)
}

func (b *CircularBuffer[T]) Len() int   { return b.count }
func (b *CircularBuffer[T]) Cap() int   { return len(b.data) }
func (b *CircularBuffer[T]) Full() bool { return b.count == len(b.data) }

// Values returns the buffered values oldest first.
func (b *CircularBuffer[T]) Values() []T {
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.start+i)%len(b.data)]
	}
	return out
}

// Each calls fn for every buffered value, oldest first.
func (b *CircularBuffer[T]) Each(fn func(T)) {
	for i := 0; i < b.count; i++ {
		fn(b.data[(b.start+i)%len(b.data)])
	}
}

// Clear empties the buffer without releasing its storage.
func (b *CircularBuffer[T]) Clear() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.start, b.count = 0, 0
}

// meanVector averages the buffered vectors. It returns the zero vector for an
// empty buffer.
func meanVector(b *CircularBuffer[Vector3]) Vector3 {
	if b.Len() == 0 {
		return Vector3{}
	}
	var sum Vector3
	b.Each(func(v Vector3) { sum = sum.Add(v) })
	return sum.Scale(1 / float64(b.Len()))
}
