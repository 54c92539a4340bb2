package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/amp-labs/sigma/channels"
	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Memory is the in-process Bus implementation.
//
// Fan-out happens under a lock, so all subscribers observe the same global
// publish order, and a subscription registered after Publish returns never
// sees that event.
type Memory struct {
	name   string
	mutex  sync.Mutex
	subs   map[uuid.UUID]*Subscription
	order  []*Subscription
	closed bool
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process bus. The name is used as a metric label.
func NewMemory(name string) *Memory {
	if name == "" {
		name = "default"
	}

	return &Memory{
		name: name,
		subs: make(map[uuid.UUID]*Subscription),
	}
}

// Publish delivers ev to every matching subscription.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return ErrBusClosed
	}

	delivered := 0

	for _, sub := range m.order {
		if sub.deliver(ev) {
			delivered++
		}
	}

	published.WithLabelValues(m.name).Inc()
	deliveries.WithLabelValues(m.name).Add(float64(delivered))

	return nil
}

// Subscribe registers a new subscription.
func (m *Memory) Subscribe(filter Filter, opts ...SubscribeOption) *Subscription {
	cfg := &subscribeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sub := &Subscription{
		id:      uuid.New(),
		name:    cfg.name,
		filter:  filter,
		box:     channels.NewMailbox[Event](cfg.limit),
		onClose: m.remove,
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		sub.box.Close()

		return sub
	}

	m.subs[sub.id] = sub
	m.order = append(m.order, sub)

	activeSubscriptions.WithLabelValues(m.name).Inc()

	return sub
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.subs)
}

// Close closes every subscription and rejects further publishes.
func (m *Memory) Close() {
	m.mutex.Lock()

	if m.closed {
		m.mutex.Unlock()

		return
	}

	m.closed = true
	subs := m.order
	m.order = nil
	m.subs = make(map[uuid.UUID]*Subscription)

	activeSubscriptions.WithLabelValues(m.name).Sub(float64(len(subs)))
	m.mutex.Unlock()

	for _, sub := range subs {
		sub.box.Close()
	}
}

func (m *Memory) remove(sub *Subscription) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.subs[sub.id]; !ok {
		return
	}

	delete(m.subs, sub.id)

	for i, s := range m.order {
		if s == sub {
			m.order = append(m.order[:i:i], m.order[i+1:]...)

			break
		}
	}

	activeSubscriptions.WithLabelValues(m.name).Dec()
}
