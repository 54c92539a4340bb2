package statemachine

import (
	"context"
	"fmt"

	"github.com/amp-labs/sigma/bus"
)

// Transition is one of Direct, Simple, Guarded or GuardedList.
type Transition[C any] interface {
	isTransition()
}

// Direct moves to Target unconditionally.
type Direct[C any] struct {
	Target string
}

// Simple moves to Target and runs Commands with the triggering event.
type Simple[C any] struct {
	Target   string
	Commands []Handler[C]
}

// Guarded moves to Target only when Guard returns true.
type Guarded[C any] struct {
	Target   string
	Guard    Guard[C]
	Commands []Handler[C]
}

// GuardedList picks the first entry whose guard returns true. Later guards
// are not evaluated. Guards are expected to be mutually exclusive; see
// WithStrictGuards.
type GuardedList[C any] []Guarded[C]

func (Direct[C]) isTransition()      {}
func (Simple[C]) isTransition()      {}
func (Guarded[C]) isTransition()     {}
func (GuardedList[C]) isTransition() {}

// To is shorthand for a Direct transition.
func To[C any](target string) Direct[C] {
	return Direct[C]{Target: target}
}

// Not inverts a guard.
func Not[C any](g Guard[C]) Guard[C] {
	return func(ctx context.Context, ev bus.Event, c C) (bool, error) {
		ok, err := g(ctx, ev, c)
		if err != nil {
			return false, err
		}

		return !ok, nil
	}
}

// And is true when every guard is true. Evaluation stops at the first false.
func And[C any](guards ...Guard[C]) Guard[C] {
	return func(ctx context.Context, ev bus.Event, c C) (bool, error) {
		for _, g := range guards {
			ok, err := g(ctx, ev, c)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	}
}

// Or is true when any guard is true. Evaluation stops at the first true.
func Or[C any](guards ...Guard[C]) Guard[C] {
	return func(ctx context.Context, ev bus.Event, c C) (bool, error) {
		for _, g := range guards {
			ok, err := g(ctx, ev, c)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	}
}

// outcome is the result of a resolved transition.
type outcome[C any] struct {
	target   string
	commands []Handler[C]
	event    bus.Event
}

type resolver[C any] struct {
	machine string
	state   string
	strict  bool
}

// resolve computes the outcome of ev for transition t. matched is false when
// no guard accepted the event.
func (r resolver[C]) resolve(
	ctx context.Context,
	t Transition[C],
	ev bus.Event,
	current func() C,
) (outcome[C], bool, error) {
	switch tr := t.(type) {
	case Direct[C]:
		return outcome[C]{target: tr.Target, event: ev}, true, nil
	case Simple[C]:
		return outcome[C]{target: tr.Target, commands: tr.Commands, event: ev}, true, nil
	case Guarded[C]:
		ok, err := r.check(ctx, tr, ev, current())
		if err != nil || !ok {
			return outcome[C]{}, false, err
		}

		return outcome[C]{target: tr.Target, commands: tr.Commands, event: ev}, true, nil
	case GuardedList[C]:
		return r.resolveList(ctx, tr, ev, current)
	default:
		return outcome[C]{}, false, fmt.Errorf("%w: %T", ErrMalformedTransition, t)
	}
}

func (r resolver[C]) resolveList(
	ctx context.Context,
	list GuardedList[C],
	ev bus.Event,
	current func() C,
) (outcome[C], bool, error) {
	var (
		winner  outcome[C]
		matched bool
	)

	for _, g := range list {
		ok, err := r.check(ctx, g, ev, current())
		if err != nil {
			return outcome[C]{}, false, err
		}

		if !ok {
			continue
		}

		if matched {
			return outcome[C]{}, false, fmt.Errorf("%w: event %s matches both %s and %s",
				ErrAmbiguousGuards, ev.Type, winner.target, g.Target)
		}

		winner = outcome[C]{target: g.Target, commands: g.Commands, event: ev}
		matched = true

		if !r.strict {
			break
		}
	}

	return winner, matched, nil
}

func (r resolver[C]) check(ctx context.Context, g Guarded[C], ev bus.Event, c C) (bool, error) {
	ok, err := g.Guard(ctx, ev, c)

	result := "false"

	switch {
	case err != nil:
		result = outcomeError
		err = fmt.Errorf("%w: %w", ErrGuardFailed, err)
	case ok:
		result = "true"
	}

	guardEvaluationsTotal.WithLabelValues(r.machine, r.state, ev.Type, result).Inc()

	return ok, err
}
