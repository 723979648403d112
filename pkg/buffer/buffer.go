// Package buffer provides a generic, thread-safe FIFO with overflow policies.
//
// The pipeline uses it twice: as the per-consumer outbound queue of an
// OutputChannel, where the overflow policy is the consumer's slowness policy,
// and as the receive queue of an InputChannel that inputHandler drains.
package buffer

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write adds an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes the oldest item. It returns false when empty.
	Read() (T, bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear drops every queued item, reporting each to the drop callback.
	Clear()

	Stats() *Statistics

	// Close wakes blocked writers and readers. Queued items stay readable.
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

	// Grow doubles the capacity instead of dropping or blocking.
	Grow
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
	case Grow:
		return "Grow"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with every dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given initial capacity.
// Metrics registration failures are returned as transient errors.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (*CircularBuffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
