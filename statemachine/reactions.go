package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/task"
)

// react is the standing loop of one reaction. It runs until ctx is cancelled
// (the state is left) or a handler fails.
func (m *Machine[C]) react(
	ctx context.Context,
	run *Run[C],
	state, event string,
	reaction Reaction[C],
	sub *bus.Subscription,
) error {
	switch reaction.Policy {
	case PolicyAll:
		return m.reactAll(ctx, run, state, event, reaction, sub)
	case PolicyFirst:
		return m.reactFirst(ctx, run, state, event, reaction, sub)
	case PolicyLast:
		return m.reactLast(ctx, run, state, event, reaction, sub)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownPolicy, reaction.Policy)
	}
}

func (m *Machine[C]) reactAll(
	ctx context.Context,
	run *Run[C],
	state, event string,
	reaction Reaction[C],
	sub *bus.Subscription,
) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return nil //nolint:nilerr // cancelled or closed: the state is being left
		}

		if err := m.handle(ctx, run, state, event, reaction, ev); err != nil {
			return err
		}
	}
}

func (m *Machine[C]) reactFirst(
	ctx context.Context,
	run *Run[C],
	state, event string,
	reaction Reaction[C],
	sub *bus.Subscription,
) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return nil //nolint:nilerr // cancelled or closed: the state is being left
		}

		var idle uint64

		// The mark is taken the moment the handler returns: only events that
		// arrived while it was busy are not taken.
		busy := reaction
		busy.Handler = func(ctx context.Context, run *Run[C], ev bus.Event) error {
			defer func() { idle = sub.Mark() }()

			return reaction.Handler(ctx, run, ev)
		}

		if err := m.handle(ctx, run, state, event, busy, ev); err != nil {
			return err
		}

		sub.DrainBefore(idle)
	}
}

func (m *Machine[C]) reactLast(
	ctx context.Context,
	run *Run[C],
	state, event string,
	reaction Reaction[C],
	sub *bus.Subscription,
) error {
	var current *task.Task

	defer func() {
		if current != nil {
			current.Cancel()
		}
	}()

	for {
		var finished <-chan struct{}
		if current != nil {
			finished = current.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-finished:
			err := current.Err()
			current = nil

			if err != nil {
				return err
			}

			continue
		case <-sub.Ready():
		}

		for {
			ev, ok := sub.TryNext()
			if !ok {
				break
			}

			if current != nil {
				current.Cancel()

				// A handler that failed before being superseded still fails
				// the state.
				if err := current.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}

			next, err := task.Spawn(ctx, m.opts.scheduler, fmt.Sprintf("%s/%s/reaction/%s", m.def.Name, state, event),
				func(ctx context.Context) error {
					return m.handle(ctx, run, state, event, reaction, ev)
				})
			if err != nil {
				return err
			}

			current = next
		}
	}
}

// handle runs one reaction handler. Errors from a handler whose state is being
// left are not failures.
func (m *Machine[C]) handle(
	ctx context.Context,
	run *Run[C],
	state, event string,
	reaction Reaction[C],
	ev bus.Event,
) error {
	err := protect("reaction "+event, func() error {
		return reaction.Handler(ctx, run, ev)
	})

	outcome := outcomeOf(err)
	if err != nil && ctx.Err() != nil {
		outcome = outcomeCancelled
		err = nil
	}

	reactionsTotal.WithLabelValues(m.def.Name, state, event, reaction.Policy.String(), outcome).Inc()

	if err != nil {
		return fmt.Errorf("reaction %s: %w", event, err)
	}

	return nil
}
