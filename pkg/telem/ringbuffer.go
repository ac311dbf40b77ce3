package telem

import (
	"sync"
	"time"
)

// RingBuffer is a thread-safe fixed-capacity buffer that overwrites its oldest item.
// Items must be added in timestamp order.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	stamp    func(T) time.Time
	capacity int
	head     int
	size     int
}

// NewRingBuffer creates a ring buffer; stamp returns an item's timestamp
func NewRingBuffer[T any](capacity int, stamp func(T) time.Time) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		stamp:    stamp,
		capacity: capacity,
	}
}

// Add adds an item to the ring buffer
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = item
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns a copy of the items stamped after since, oldest first
func (rb *RingBuffer[T]) GetSince(since time.Time) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]T, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		item := rb.data[(rb.head+i)%rb.capacity]
		if rb.stamp(item).After(since) {
			result = append(result, item)
		}
	}
	return result
}

// RemoveBefore drops items stamped before the given time and returns how many were removed
func (rb *RingBuffer[T]) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	removed := 0
	for rb.size > 0 && rb.stamp(rb.data[rb.head]).Before(before) {
		rb.data[rb.head] = zero
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Size returns the current number of items
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}
