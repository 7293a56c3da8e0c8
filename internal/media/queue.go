package media

import "sync"

// Queue is a bounded FIFO with drop-oldest backpressure. Push never blocks;
// at capacity the oldest item is evicted so the newest always survives.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	size    int
	closed  bool
	pushed  uint64
	popped  uint64
	dropped uint64
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Len     int
	Cap     int
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

// FrameQueue carries captured video frames to the sink.
type FrameQueue = Queue[*VideoFrame]

// SampleQueue carries captured audio chunks to the sink.
type SampleQueue = Queue[*AudioChunk]

// NewQueue returns an empty queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Push appends item, evicting the single oldest item when full.
// It returns ErrQueueClosed after Close.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	capacity := len(q.buf)
	if q.size == capacity {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%capacity] = item
	q.size++
	q.pushed++
	return nil
}

// TryPop removes and returns the oldest item, or false when empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.popped++
	return item, true
}

// Close rejects further pushes. Pending items remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the counters.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:     q.size,
		Cap:     len(q.buf),
		Pushed:  q.pushed,
		Popped:  q.popped,
		Dropped: q.dropped,
	}
}
