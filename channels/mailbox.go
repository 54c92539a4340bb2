package channels

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned when reading from a closed and drained mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a closable FIFO queue with a readiness signal. Pushes never block.
//
// By default the mailbox is unbounded. Note: use with caution, a producer that
// outpaces the consumer grows the queue without limit. A positive limit turns
// the mailbox into a sliding window that drops the oldest values once full.
//
// A Mailbox is safe for concurrent use. Once closed, pushes are rejected and
// any values still queued are discarded.
type Mailbox[T any] struct {
	mu      sync.Mutex
	queue   []T
	limit   int
	closed  bool
	dropped int
	ready   chan struct{}

	// Sequence numbers: head is the number of queue[0], tail the number the
	// next pushed value gets.
	head uint64
	tail uint64
}

// NewMailbox creates a mailbox. A limit <= 0 means unbounded.
func NewMailbox[T any](limit int) *Mailbox[T] {
	return &Mailbox[T]{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends a value. It returns false if the mailbox is closed.
func (m *Mailbox[T]) Push(value T) bool {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return false
	}

	if m.limit > 0 && len(m.queue) >= m.limit {
		// Sliding window: evict the oldest value.
		var zero T

		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.head++
		m.dropped++
	}

	m.queue = append(m.queue, value)
	m.tail++
	m.mu.Unlock()

	Signal(m.ready)

	return true
}

// TryPop removes and returns the oldest value without blocking.
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T

	if len(m.queue) == 0 {
		return zero, false
	}

	value := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	m.head++

	if len(m.queue) > 0 {
		// Keep the signal armed for the next reader.
		Signal(m.ready)
	}

	return value, true
}

// Pop blocks until a value is available, the mailbox is closed, or ctx is done.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		value, ok := m.TryPop()
		if ok {
			return value, nil
		}

		if m.Closed() {
			// Pass the wake-up on to any other blocked reader.
			Signal(m.ready)

			return zero, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// Ready returns a channel that receives a notification whenever values may be
// available. It is a hint: callers must still use TryPop.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Drain discards every queued value and returns how many were discarded.
func (m *Mailbox[T]) Drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	m.queue = nil
	m.head = m.tail

	return n
}

// Mark returns a position in the stream of pushed values. Values pushed
// after the call are after the mark.
func (m *Mailbox[T]) Mark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tail
}

// DrainBefore discards the queued values pushed before mark and returns how
// many were discarded. Values pushed after mark stay queued.
func (m *Mailbox[T]) DrainBefore(mark uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mark <= m.head {
		return 0
	}

	n := min(int(mark-m.head), len(m.queue))

	clear(m.queue[:n])
	m.queue = m.queue[n:]
	m.head += uint64(n)

	return n
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Dropped returns how many values were evicted by the sliding window.
func (m *Mailbox[T]) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dropped
}

// Close rejects further pushes and discards queued values. Blocked readers
// are woken up and receive ErrMailboxClosed. Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return
	}

	m.closed = true
	m.queue = nil
	m.head = m.tail
	m.mu.Unlock()

	Signal(m.ready)
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
