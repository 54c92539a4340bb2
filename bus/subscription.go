package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/amp-labs/sigma/channels"
	"github.com/google/uuid"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is a buffered stream of events matching a filter.
type Subscription struct {
	id     uuid.UUID
	name   string
	filter Filter
	box    *channels.Mailbox[Event]

	closeOnce sync.Once
	onClose   func(*Subscription)
}

// ID uniquely identifies the subscription.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Name returns the label given with WithName, if any.
func (s *Subscription) Name() string {
	return s.name
}

// Next blocks until an event is available. It returns ErrClosed once the
// subscription is closed, or the context error.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	ev, err := s.box.Pop(ctx)
	if errors.Is(err, channels.ErrMailboxClosed) {
		return Event{}, ErrClosed
	}

	return ev, err
}

// TryNext returns the next buffered event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	return s.box.TryPop()
}

// Ready is notified when events may be buffered. Use it in a select together
// with TryNext.
func (s *Subscription) Ready() <-chan struct{} {
	return s.box.Ready()
}

// Drain discards the buffered events and returns how many were dropped.
func (s *Subscription) Drain() int {
	return s.box.Drain()
}

// Mark returns the current position in the event stream, see DrainBefore.
func (s *Subscription) Mark() uint64 {
	return s.box.Mark()
}

// DrainBefore discards the buffered events delivered before mark. Events
// delivered after it stay buffered.
func (s *Subscription) DrainBefore(mark uint64) int {
	return s.box.DrainBefore(mark)
}

// Pending returns the number of buffered events.
func (s *Subscription) Pending() int {
	return s.box.Len()
}

// Close detaches the subscription from the bus and discards buffered events.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}

		s.box.Close()
	})
}

// Closed reports whether the subscription has been closed.
func (s *Subscription) Closed() bool {
	return s.box.Closed()
}

func (s *Subscription) deliver(ev Event) bool {
	if s.filter != nil && !s.filter(ev) {
		return false
	}

	return s.box.Push(ev)
}
