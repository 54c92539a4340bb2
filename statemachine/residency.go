package statemachine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/logger"
	"github.com/amp-labs/sigma/task"
)

// residency is how a stay in a state ended: with a transition, a stop
// signal, or neither when the run was cancelled.
type residency[C any] struct {
	transition *outcome[C]
	stop       *Signal
}

// reside enters the current state of run and blocks until it is left.
// announce is called as soon as the state listens for events. The state is
// always torn down before reside returns: background tasks are
// cancelled and awaited, sub-machines stopped and exit activities run.
func (m *Machine[C]) reside(ctx context.Context, run *Run[C], announce func()) (res residency[C], err error) {
	name := run.State()
	state := m.def.States[name]
	entered := time.Now()

	ctx, span := m.startStateSpan(ctx, name)
	resCtx, cancel := context.WithCancel(ctx)

	// Subscribe before anything of this state can emit.
	var transitions *bus.Subscription
	if len(state.Transitions) > 0 {
		transitions = m.bus.Subscribe(
			bus.Types(sortedKeys(state.Transitions)...),
			bus.WithName(m.def.Name+"/"+name+"/transitions"))
	}

	reactionEvents := sortedKeys(state.Reactions)
	reactionSubs := make([]*bus.Subscription, len(reactionEvents))

	for i, event := range reactionEvents {
		reactionSubs[i] = m.bus.Subscribe(
			bus.Types(event),
			bus.WithName(m.def.Name+"/"+name+"/reaction/"+event))
	}

	if announce != nil {
		announce()
	}

	group := task.NewGroup(resCtx, m.opts.scheduler)

	var started []SubMachine[C]

	defer func() {
		if transitions != nil {
			transitions.Close()
		}

		cancel()
		group.CancelAll()

		for _, sub := range reactionSubs {
			sub.Close()
		}

		if exitErr := m.exit(context.WithoutCancel(ctx), run, name, state, started); exitErr != nil {
			err = errors.Join(err, exitErr)
		}

		err = WrapStateError(m.def.Name, name, err)

		outcome := outcomeOf(err)
		if err == nil && res.transition == nil && res.stop == nil {
			outcome = outcomeCancelled
		}

		elapsed := time.Since(entered)
		residencyDuration.WithLabelValues(m.def.Name, name, outcome).Observe(elapsed.Seconds())
		m.opts.logger.StateExited(ctx, name, elapsed, err)
		endSpan(span, err)
	}()

	m.opts.logger.StateEntered(ctx, name)

	for i, act := range state.OnEntry {
		_, err := group.Spawn(fmt.Sprintf("%s/%s/onEntry[%d]", m.def.Name, name, i), func(ctx context.Context) error {
			return act(ctx, run)
		})
		if err != nil {
			return res, err
		}
	}

	for i, event := range reactionEvents {
		reaction := state.Reactions[event]
		sub := reactionSubs[i]

		_, err := group.Spawn(fmt.Sprintf("%s/%s/reaction/%s", m.def.Name, name, event), func(ctx context.Context) error {
			return m.react(ctx, run, name, event, reaction, sub)
		})
		if err != nil {
			return res, err
		}
	}

	for _, sub := range state.SubMachines {
		err := protect("subMachine "+sub.Name(), func() error {
			return sub.Start(resCtx, run)
		})
		if err != nil {
			return res, fmt.Errorf("starting sub-machine %s: %w", sub.Name(), err)
		}

		started = append(started, sub)
	}

	return m.race(resCtx, run, name, state, transitions, group)
}

// race waits for whatever ends the residency first. A pending stop signal
// wins over a pending transition event.
func (m *Machine[C]) race(
	ctx context.Context,
	run *Run[C],
	name string,
	state State[C],
	transitions *bus.Subscription,
	group *task.Group,
) (residency[C], error) {
	var ready <-chan struct{}
	if transitions != nil {
		ready = transitions.Ready()
	}

	res := resolver[C]{machine: m.def.Name, state: name, strict: m.opts.strictGuards}

	for {
		if stop, ok := m.pollControl(ctx); ok {
			return residency[C]{stop: stop}, nil
		}

		select {
		case <-ctx.Done():
			return residency[C]{}, nil
		case err := <-group.Failed():
			return residency[C]{}, err
		case <-m.control.Ready():
			continue
		case <-ready:
		}

		for {
			if stop, ok := m.pollControl(ctx); ok {
				return residency[C]{stop: stop}, nil
			}

			ev, ok := transitions.TryNext()
			if !ok {
				break
			}

			var (
				out     outcome[C]
				matched bool
			)

			err := protect("guard", func() error {
				var err error

				out, matched, err = res.resolve(ctx, state.Transitions[ev.Type], ev, run.Context)

				return err
			})
			if err != nil {
				return residency[C]{}, WrapTransitionError(m.def.Name, name, "", ev.Type, err)
			}

			if matched {
				return residency[C]{transition: &out}, nil
			}

			m.opts.logger.EventDropped(ctx, name, ev.Type)
		}
	}
}

// pollControl drains pending control signals. Start signals are ignored while
// running; the first stop signal is returned.
func (m *Machine[C]) pollControl(ctx context.Context) (*Signal, bool) {
	for {
		ev, ok := m.control.TryNext()
		if !ok {
			return nil, false
		}

		sig, _ := ev.Payload.(Signal)

		if ev.Type == EventStop {
			return &sig, true
		}

		m.opts.logger.SignalIgnored(ctx, EventStart, "already running")
		ack(sig)
	}
}

// exit stops the sub-machines of a state and runs its exit activities, in
// order. Every step runs even if an earlier one failed.
func (m *Machine[C]) exit(ctx context.Context, run *Run[C], name string, state State[C], started []SubMachine[C]) error {
	var errs []error

	for _, sub := range started {
		err := protect("subMachine "+sub.Name(), func() error {
			return sub.Stop(ctx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("stopping sub-machine %s: %w", sub.Name(), err))
		}
	}

	for i, act := range state.OnExit {
		err := protect(fmt.Sprintf("onExit[%d]", i), func() error {
			return act(ctx, run)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s onExit[%d]: %w", name, i, err))
		}
	}

	return errors.Join(errs...)
}

func panicError(name string, r any) error {
	logger.Get().Error("recovered from panic",
		"function", name,
		"panic", r,
		"stack", string(debug.Stack()))

	if e, ok := r.(error); ok {
		return fmt.Errorf("%w: %s: %w", task.ErrPanic, name, e)
	}

	return fmt.Errorf("%w: %s: %v", task.ErrPanic, name, r)
}
