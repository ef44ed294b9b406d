package router

import (
	"context"
	"sync"
)

// GrowableBuffer is an unbounded-by-default FIFO queue shared by one or more
// producers and consumers. It doubles its ring when 70% full. With a
// ceiling set it stops growing at that size and rejects new items, counting
// them as dropped.
type GrowableBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ring     []T
	head     int
	count    int
	ceiling  int // 0 = grow without limit
	closed   bool
	sent     int64
	received int64
	dropped  int64
	resizes  int
}

// NewGrowableBuffer creates a buffer with the given initial capacity and
// optional ceiling (0 = no ceiling).
func NewGrowableBuffer[T any](initialCapacity, ceiling int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if ceiling > 0 && ceiling < initialCapacity {
		initialCapacity = ceiling
	}
	b := &GrowableBuffer[T]{
		ring:    make([]T, initialCapacity),
		ceiling: ceiling,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send enqueues item. It returns false when the buffer is closed or sits at
// its ceiling.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.count+1 >= max(1, len(b.ring)*70/100) {
		b.grow()
	}
	if b.count == len(b.ring) {
		b.dropped++
		return false
	}

	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.sent++
	b.cond.Signal()
	return true
}

// Receive blocks until an item is available or the buffer is closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.popLocked()
}

// ReceiveContext is Receive that also gives up when ctx is done.
func (b *GrowableBuffer[T]) ReceiveContext(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	return b.popLocked()
}

// TryReceive dequeues one item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

// DrainTo dequeues up to max items (all when max <= 0).
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := b.popLocked()
		out = append(out, item)
	}
	return out
}

// Close stops accepting items. Consumers still drain what is queued.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current ring size.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// BufferStats is a point-in-time view of a buffer.
type BufferStats struct {
	Count       int
	Capacity    int
	Sent        int64
	Received    int64
	Dropped     int64
	ResizeCount int
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:       b.count,
		Capacity:    len(b.ring),
		Sent:        b.sent,
		Received:    b.received,
		Dropped:     b.dropped,
		ResizeCount: b.resizes,
	}
}

func (b *GrowableBuffer[T]) popLocked() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.received++
	return item, true
}

// grow doubles the ring, capped at the ceiling. Caller holds the lock.
func (b *GrowableBuffer[T]) grow() {
	size := len(b.ring) * 2
	if b.ceiling > 0 && size > b.ceiling {
		size = b.ceiling
	}
	if size == len(b.ring) {
		return
	}

	ring := make([]T, size)
	for i := 0; i < b.count; i++ {
		ring[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = ring
	b.head = 0
	b.resizes++
}
