// Package projection keeps an observable {state, context} view of the
// machines on a bus, derived from their lifecycle notifications. It is never
// authoritative: the running machine is.
package projection

import (
	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
)

// Snapshot is the projected view of one machine. State is empty while the
// machine is not running.
type Snapshot struct {
	State   string
	Context any
}

// Running reports whether the snapshot belongs to a running machine.
func (s Snapshot) Running() bool {
	return s.State != ""
}

// Reduce folds ev into the snapshot of machine. Events about other machines
// leave it unchanged, as do state and context updates while not running.
// A stop signal clears the snapshot right away, before the machine has
// finished tearing down.
func Reduce(prev Snapshot, machine string, ev bus.Event) Snapshot {
	switch ev.Type {
	case statemachine.EventStop:
		sig, ok := ev.Payload.(statemachine.Signal)
		if !ok || sig.Machine != machine {
			return prev
		}

		return Snapshot{}
	case statemachine.EventStarted,
		statemachine.EventStopped,
		statemachine.EventStateChanged,
		statemachine.EventContextChanged:
	default:
		return prev
	}

	lc, ok := ev.Payload.(statemachine.Lifecycle)
	if !ok || lc.Machine != machine {
		return prev
	}

	switch ev.Type {
	case statemachine.EventStarted:
		return Snapshot{State: lc.State, Context: lc.Context}
	case statemachine.EventStopped:
		return Snapshot{}
	case statemachine.EventStateChanged:
		if !prev.Running() {
			return prev
		}

		return Snapshot{State: lc.State, Context: prev.Context}
	default:
		if !prev.Running() {
			return prev
		}

		return Snapshot{State: prev.State, Context: lc.Context}
	}
}

// machineOf returns the machine an event is about, if any.
func machineOf(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case statemachine.Lifecycle:
		return p.Machine, true
	case statemachine.Signal:
		return p.Machine, ev.Type == statemachine.EventStop
	default:
		return "", false
	}
}
