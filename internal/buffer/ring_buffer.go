// Package buffer provides a ring buffer for recently captured scan frames.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer that stores the most recent
// items up to a specified capacity. When the buffer is full, oldest items are
// discarded to make room for new ones.
//
// The device session keeps the last frames here so status endpoints can show
// recent scans; turning the laser on clears it.
type RingBuffer[T any] struct {
	data     []T
	start    int
	capacity int
	mu       sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items to the buffer, discarding the oldest items when the
// capacity is exceeded.
func (rb *RingBuffer[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the last 'capacity' items can survive
	if len(items) > rb.capacity {
		items = items[len(items)-rb.capacity:]
	}

	for _, item := range items {
		if len(rb.data) < rb.capacity {
			rb.data = append(rb.data, item)
			continue
		}
		rb.data[rb.start] = item
		rb.start = (rb.start + 1) % rb.capacity
	}
}

// ReadAll returns a copy of all items in the buffer, oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.lastLocked(len(rb.data))
}

// Last returns a copy of the newest n items, oldest first.
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.lastLocked(n)
}

func (rb *RingBuffer[T]) lastLocked(n int) []T {
	if n > len(rb.data) {
		n = len(rb.data)
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	offset := len(rb.data) - n
	for i := 0; i < n; i++ {
		result[i] = rb.data[(rb.start+offset+i)%len(rb.data)]
	}
	return result
}

// Clear removes all items from the buffer.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.data = rb.data[:0]
	rb.start = 0
}

// Len returns the current number of items in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return len(rb.data)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}
