package testing

import (
	"context"
	"sync"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
)

// Recorder keeps every event published on a bus after its creation.
type Recorder struct {
	sub    *bus.Subscription
	mutex  sync.Mutex
	events []bus.Event
}

// NewRecorder subscribes to every event on b.
func NewRecorder(b bus.Bus) *Recorder {
	return &Recorder{
		sub: b.Subscribe(bus.Any, bus.WithName("recorder")),
	}
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []bus.Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.collect()

	out := make([]bus.Event, len(r.events))
	copy(out, r.events)

	return out
}

// Types returns the types of the recorded events.
func (r *Recorder) Types() []string {
	events := r.Events()

	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}

	return out
}

// Notifications returns the lifecycle notifications of machine.
func (r *Recorder) Notifications(machine string) []statemachine.Lifecycle {
	return notifications(r.Events(), machine)
}

// States returns the states machine entered, in order, across runs.
func (r *Recorder) States(machine string) []string {
	return states(r.Events(), machine)
}

// Wait blocks until m matches or ctx is done. On timeout the last mismatch
// reason is returned.
func (r *Recorder) Wait(ctx context.Context, m Matcher) error {
	for {
		ok, err := m.Match(r.Events())
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}

			return ctx.Err()
		case <-r.sub.Ready():
		}
	}
}

// Close detaches the recorder. Recorded events remain available.
func (r *Recorder) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.collect()
	r.sub.Close()
}

func (r *Recorder) collect() {
	for {
		ev, ok := r.sub.TryNext()
		if !ok {
			return
		}

		r.events = append(r.events, ev)
	}
}

func notifications(events []bus.Event, machine string) []statemachine.Lifecycle {
	var out []statemachine.Lifecycle

	for _, ev := range events {
		if lc, ok := ev.Payload.(statemachine.Lifecycle); ok && lc.Machine == machine {
			out = append(out, lc)
		}
	}

	return out
}

func states(events []bus.Event, machine string) []string {
	var out []string

	for _, ev := range events {
		lc, ok := ev.Payload.(statemachine.Lifecycle)
		if !ok || lc.Machine != machine {
			continue
		}

		if ev.Type == statemachine.EventStarted || ev.Type == statemachine.EventStateChanged {
			out = append(out, lc.State)
		}
	}

	return out
}
