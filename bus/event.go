// Package bus is an in-process publish/subscribe event bus.
//
// Events are delivered to every matching subscription in publish order. Each
// subscription buffers its events in an unbounded mailbox, so a slow reader
// never blocks a publisher.
package bus

import "context"

// Event is a named message with an arbitrary payload.
type Event struct {
	Type    string
	Payload any
}

// New creates an event.
func New(typ string, payload any) Event {
	return Event{Type: typ, Payload: payload}
}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// Types returns a filter matching any of the given event types.
func Types(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	return func(ev Event) bool {
		_, ok := set[ev.Type]

		return ok
	}
}

// Any matches every event.
func Any(Event) bool { return true }

// Bus publishes events to subscriptions.
type Bus interface {
	// Publish delivers the event to every matching subscription. It never blocks
	// on slow subscribers.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a subscription. Events published after Subscribe
	// returns are guaranteed to be seen by it.
	Subscribe(filter Filter, opts ...SubscribeOption) *Subscription
}

type subscribeConfig struct {
	name  string
	limit int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithName labels the subscription in logs and metrics.
func WithName(name string) SubscribeOption {
	return func(c *subscribeConfig) {
		c.name = name
	}
}

// WithSliding bounds the subscription buffer. Once full, the oldest buffered
// event is dropped.
func WithSliding(limit int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.limit = limit
	}
}
