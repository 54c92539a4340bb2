package statemachine

import "github.com/amp-labs/sigma/bus"

// Lifecycle event types. Signals come in, notifications go out.
const (
	EventStart          = "@@sigma/start"
	EventStop           = "@@sigma/stop"
	EventStarted        = "@@sigma/started"
	EventStopped        = "@@sigma/stopped"
	EventStateChanged   = "@@sigma/state-changed"
	EventContextChanged = "@@sigma/context-changed"
)

// Signal is the payload of start and stop events.
type Signal struct {
	Machine string

	// Context is the initial context of a start signal: a C, a *C or nil for
	// the zero value.
	Context any

	// Ack, if set, is closed once the signal has been processed: after the
	// run started (or the signal was ignored) for a start, after teardown
	// and the stopped notification for a stop.
	Ack chan struct{}
}

// Lifecycle is the payload of outgoing notifications.
type Lifecycle struct {
	Machine string
	RunID   string
	From    string
	State   string
	Event   string
	Context any
}

// StartSignal builds a start event.
func StartSignal(machine string, initial any) bus.Event {
	return bus.New(EventStart, Signal{Machine: machine, Context: initial})
}

// StopSignal builds a stop event.
func StopSignal(machine string) bus.Event {
	return bus.New(EventStop, Signal{Machine: machine})
}

// IsLifecycle reports whether ev is one of the engine's own events.
func IsLifecycle(ev bus.Event) bool {
	switch ev.Type {
	case EventStart, EventStop, EventStarted, EventStopped, EventStateChanged, EventContextChanged:
		return true
	default:
		return false
	}
}

// signalFilter matches start and stop signals addressed to machine.
func signalFilter(machine string) bus.Filter {
	return func(ev bus.Event) bool {
		if ev.Type != EventStart && ev.Type != EventStop {
			return false
		}

		sig, ok := ev.Payload.(Signal)

		return ok && sig.Machine == machine
	}
}
