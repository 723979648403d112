package buffer

import (
	"context"
	"sync"

	"github.com/European-XFEL/Karabo-sub009/errors"
)

// CircularBuffer is a ring buffer guarded by one mutex. Readers and blocked
// writers wait on condition variables tied to that mutex.
type CircularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*CircularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

// Write adds an item according to the overflow policy. With Block it waits
// without a deadline; use WriteContext to bound the wait.
func (cb *CircularBuffer[T]) Write(item T) error {
	return cb.WriteContext(context.Background(), item)
}

// WriteContext is Write with cancellation for the Block policy.
func (cb *CircularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	var dropped []T
	defer func() {
		if cb.opts.dropCallback != nil {
			for _, d := range dropped {
				cb.opts.dropCallback(d)
			}
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			var zero T
			dropped = append(dropped, cb.items[cb.tail])
			cb.items[cb.tail] = zero
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			cb.recordDrop(1)

		case DropNewest:
			dropped = append(dropped, item)
			cb.recordDrop(1)
			return nil

		case Grow:
			cb.grow()

		case Block:
			if err := cb.waitNotFull(ctx); err != nil {
				return err
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.write()
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.writes.Inc()
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()
	return nil
}

// waitNotFull blocks until there is space. Called with cb.mu held.
func (cb *CircularBuffer[T]) waitNotFull(ctx context.Context) error {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			cb.mu.Lock()
			cb.notFull.Broadcast()
			cb.mu.Unlock()
		})
		defer stop()
	}
	for cb.size == cb.capacity && !cb.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		cb.notFull.Wait()
	}
	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed during blocking wait")
	}
	return ctx.Err()
}

func (cb *CircularBuffer[T]) grow() {
	items := make([]T, cb.capacity*2)
	for i := 0; i < cb.size; i++ {
		items[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	cb.items = items
	cb.tail = 0
	cb.head = cb.size
	cb.capacity *= 2
}

func (cb *CircularBuffer[T]) recordDrop(n int) {
	cb.stats.drop(n)
	if cb.metrics != nil {
		cb.metrics.drops.Add(float64(n))
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *CircularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.pop()
}

// ReadWait blocks until an item is available, the buffer is closed and
// drained, or ctx ends.
func (cb *CircularBuffer[T]) ReadWait(ctx context.Context) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			cb.mu.Lock()
			cb.notEmpty.Broadcast()
			cb.mu.Unlock()
		})
		defer stop()
	}
	for cb.size == 0 {
		if cb.closed {
			return zero, errors.ErrAlreadyStopped
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cb.notEmpty.Wait()
	}
	item, _ := cb.pop()
	return item, nil
}

// pop removes the oldest item. Called with cb.mu held.
func (cb *CircularBuffer[T]) pop() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.read(1)
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.reads.Inc()
		cb.metrics.updateSize(cb.size, cb.capacity)
	}
	cb.notFull.Signal()
	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *CircularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}
	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n

	cb.stats.read(n)
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.reads.Add(float64(n))
		cb.metrics.updateSize(cb.size, cb.capacity)
	}
	cb.notFull.Broadcast()
	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *CircularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Size returns the current number of items in the buffer.
func (cb *CircularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the current capacity, which only changes under Grow.
func (cb *CircularBuffer[T]) Capacity() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.capacity
}

// IsFull reports whether the next write hits the overflow policy.
func (cb *CircularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *CircularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

// Clear removes all items from the buffer.
func (cb *CircularBuffer[T]) Clear() {
	cb.mu.Lock()
	dropped := make([]T, 0, cb.size)
	var zero T
	for cb.size > 0 {
		dropped = append(dropped, cb.items[cb.tail])
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}
	cb.head, cb.tail = 0, 0
	if len(dropped) > 0 {
		cb.stats.drops.Add(int64(len(dropped)))
		if cb.metrics != nil {
			cb.metrics.drops.Add(float64(len(dropped)))
		}
	}
	cb.stats.updateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.notFull.Broadcast()
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, item := range dropped {
			cb.opts.dropCallback(item)
		}
	}
}

// Stats returns buffer statistics.
func (cb *CircularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer. Blocked writers fail and blocked readers
// return once the remaining items are drained. Exported metrics are
// unregistered.
func (cb *CircularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	if cb.metrics != nil {
		cb.metrics.unregister()
	}
	return nil
}

// Closed reports whether Close has been called.
func (cb *CircularBuffer[T]) Closed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.closed
}
