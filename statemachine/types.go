// Package statemachine is a hierarchical statechart runtime.
//
// A Definition describes states, transitions between them, guards, entry and
// exit activities, reactions to events and nested sub-machines. A Machine
// drives one instance of a Definition at a time over a bus.Bus: a start signal
// begins a run in the initial state, a stop signal ends it. While a state is
// active its entry activities, reactions and sub-machines run concurrently and
// are always torn down (cancelled, stopped, exit activities run) before the
// next state is entered.
package statemachine

import (
	"context"

	"github.com/amp-labs/sigma/bus"
)

// Activity is work bound to a state. Entry activities run in the background
// while the state is active and are cancelled when it is left. Exit
// activities run to completion, one after the other, when the state is left.
type Activity[C any] func(ctx context.Context, run *Run[C]) error

// Handler handles an event. Transition commands and reaction handlers are
// handlers.
type Handler[C any] func(ctx context.Context, run *Run[C], ev bus.Event) error

// Guard decides whether a guarded transition fires for an event. It receives
// the context snapshot current at the time of evaluation.
type Guard[C any] func(ctx context.Context, ev bus.Event, c C) (bool, error)

// Policy controls how a reaction treats events that arrive while its handler
// is still running.
type Policy int

const (
	// PolicyAll handles every event, in order, one at a time.
	PolicyAll Policy = iota
	// PolicyFirst handles an event and drops everything that arrived while
	// the handler was running.
	PolicyFirst
	// PolicyLast cancels the running handler whenever a new event arrives.
	PolicyLast
)

func (p Policy) String() string {
	switch p {
	case PolicyAll:
		return "all"
	case PolicyFirst:
		return "first"
	case PolicyLast:
		return "last"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "all", "first" or "last". An empty string is PolicyAll.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "all":
		return PolicyAll, nil
	case "first":
		return PolicyFirst, nil
	case "last":
		return PolicyLast, nil
	default:
		return 0, errorf(ErrUnknownPolicy, "%q", s)
	}
}

// Reaction is a handler bound to an event for as long as a state is active.
type Reaction[C any] struct {
	Handler Handler[C]
	Policy  Policy
}

// All reacts to every event in order.
func All[C any](h Handler[C]) Reaction[C] {
	return Reaction[C]{Handler: h, Policy: PolicyAll}
}

// First reacts to an event and ignores the ones arriving while it runs.
func First[C any](h Handler[C]) Reaction[C] {
	return Reaction[C]{Handler: h, Policy: PolicyFirst}
}

// Last reacts to the latest event, cancelling the previous handler.
func Last[C any](h Handler[C]) Reaction[C] {
	return Reaction[C]{Handler: h, Policy: PolicyLast}
}

// State is a node of the statechart. Every field is optional.
type State[C any] struct {
	OnEntry     []Activity[C]
	OnExit      []Activity[C]
	Transitions map[string]Transition[C]
	Reactions   map[string]Reaction[C]
	SubMachines []SubMachine[C]
}

// Definition is the immutable description of a machine.
type Definition[C any] struct {
	Name    string
	Initial string
	States  map[string]State[C]
}
