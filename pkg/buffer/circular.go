package buffer

import (
	"sync"

	"github.com/c360/semscope/errors"
)

// circularBuffer is a thread-safe ring with configurable overflow policies.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)
	return cb
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	var (
		dropped    T
		hasDropped bool
	)

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped, hasDropped = cb.pop()
			cb.stats.drop()

		case DropNewest:
			cb.stats.drop()
			cb.mu.Unlock()
			cb.dropped(item)
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.write(cb.size)
	cb.notEmpty.Signal()
	cb.mu.Unlock()

	if hasDropped {
		cb.dropped(dropped)
	}
	return nil
}

// pop removes the oldest item. Caller holds mu.
func (cb *circularBuffer[T]) pop() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.notFull.Signal()
	return item, true
}

func (cb *circularBuffer[T]) dropped(item T) {
	if cb.opts.dropCallback != nil {
		cb.opts.dropCallback(item)
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	item, ok := cb.pop()
	if ok {
		cb.stats.read()
	}
	return item, ok
}

// ReadWait retrieves one item, waiting while the buffer is empty and open.
func (cb *circularBuffer[T]) ReadWait() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for cb.size == 0 && !cb.closed {
		cb.notEmpty.Wait()
	}
	item, ok := cb.pop()
	if ok {
		cb.stats.read()
	}
	return item, ok
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Clear removes all items from the buffer.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var drained []T
	for cb.size > 0 {
		item, _ := cb.pop()
		drained = append(drained, item)
	}
	cb.head, cb.tail = 0, 0
	cb.notFull.Broadcast()
	cb.mu.Unlock()

	for _, item := range drained {
		cb.dropped(item)
	}
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close marks the buffer closed and wakes all waiting goroutines.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	return nil
}
