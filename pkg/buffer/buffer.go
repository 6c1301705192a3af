// Package buffer provides a generic, thread-safe bounded queue with configurable overflow
// policies. Dataflows use one buffer per subscriber so that a slow subscriber never
// reorders its own blocks and only affects the producer as far as its policy allows.
package buffer

// Buffer represents a bounded FIFO parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow policy.
	Write(item T) error

	// Read removes one item without waiting. Returns false if the buffer is empty.
	Read() (T, bool)

	// ReadWait removes one item, waiting until one is available. Returns false once
	// the buffer is closed and drained.
	ReadWait() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close wakes all blocked readers and writers. Items already queued can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy converts a configuration string to a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "drop_oldest", "DropOldest":
		return DropOldest, true
	case "drop_newest", "DropNewest":
		return DropNewest, true
	case "block", "Block":
		return Block, true
	default:
		return Block, false
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// Option configures a buffer
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
}

// WithOverflowPolicy sets what Write does on a full buffer. The default is Block, so a
// subscriber loses nothing unless it asks to.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) { opts.overflowPolicy = policy }
}

// WithDropCallback sets a callback for every dropped item, run outside the buffer lock
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) { opts.dropCallback = callback }
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{overflowPolicy: Block}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
