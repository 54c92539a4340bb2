package statemachine

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"facette.io/natsort"
)

// Validate checks the structure of the definition. It is run by New.
func (d Definition[C]) Validate() error {
	if d.Name == "" {
		return ErrNameRequired
	}

	if d.Initial == "" {
		return ErrInitialStateRequired
	}

	if len(d.States) == 0 {
		return ErrStateRequired
	}

	if _, ok := d.States[d.Initial]; !ok {
		return fmt.Errorf("%w: %s", ErrInitialStateNotFound, d.Initial)
	}

	var errs []error

	for _, name := range d.stateNames() {
		if name == "" {
			errs = append(errs, ErrStateNameRequired)

			continue
		}

		if err := d.validateState(name, d.States[name]); err != nil {
			errs = append(errs, WrapStateError(d.Name, name, err))
		}
	}

	return errors.Join(errs...)
}

func (d Definition[C]) validateState(name string, state State[C]) error {
	var errs []error

	for i, act := range state.OnEntry {
		if act == nil {
			errs = append(errs, fmt.Errorf("onEntry[%d]: %w", i, ErrNilActivity))
		}
	}

	for i, act := range state.OnExit {
		if act == nil {
			errs = append(errs, fmt.Errorf("onExit[%d]: %w", i, ErrNilActivity))
		}
	}

	for _, event := range sortedKeys(state.Transitions) {
		if err := d.validateTransition(event, state.Transitions[event]); err != nil {
			errs = append(errs, WrapTransitionError(d.Name, name, "", event, err))
		}
	}

	for _, event := range sortedKeys(state.Reactions) {
		reaction := state.Reactions[event]

		switch {
		case event == "":
			errs = append(errs, ErrEventTypeRequired)
		case reaction.Handler == nil:
			errs = append(errs, fmt.Errorf("reaction %s: %w", event, ErrNilHandler))
		case reaction.Policy < PolicyAll || reaction.Policy > PolicyLast:
			errs = append(errs, fmt.Errorf("reaction %s: %w: %d", event, ErrUnknownPolicy, reaction.Policy))
		}
	}

	for i, sub := range state.SubMachines {
		switch {
		case sub == nil:
			errs = append(errs, fmt.Errorf("subMachines[%d]: %w", i, ErrNilSubMachine))
		case sub.Name() == d.Name:
			errs = append(errs, fmt.Errorf("subMachines[%d]: %w", i, ErrSelfSubMachine))
		}
	}

	return errors.Join(errs...)
}

func (d Definition[C]) validateTransition(event string, t Transition[C]) error {
	if event == "" {
		return ErrEventTypeRequired
	}

	switch tr := t.(type) {
	case Direct[C]:
		return d.checkTarget(tr.Target)
	case Simple[C]:
		return errors.Join(d.checkTarget(tr.Target), checkHandlers(tr.Commands))
	case Guarded[C]:
		return d.checkGuarded(tr)
	case GuardedList[C]:
		if len(tr) == 0 {
			return ErrEmptyGuardList
		}

		errs := make([]error, 0, len(tr))
		for _, g := range tr {
			errs = append(errs, d.checkGuarded(g))
		}

		return errors.Join(errs...)
	default:
		return fmt.Errorf("%w: %T", ErrMalformedTransition, t)
	}
}

func (d Definition[C]) checkGuarded(g Guarded[C]) error {
	var errs []error

	if g.Guard == nil {
		errs = append(errs, ErrNilGuard)
	}

	errs = append(errs, d.checkTarget(g.Target), checkHandlers(g.Commands))

	return errors.Join(errs...)
}

func (d Definition[C]) checkTarget(target string) error {
	if target == "" {
		return ErrTransitionToRequired
	}

	if _, ok := d.States[target]; !ok {
		return fmt.Errorf("%w: %s", ErrTransitionToNotFound, target)
	}

	return nil
}

func checkHandlers[C any](handlers []Handler[C]) error {
	for i, h := range handlers {
		if h == nil {
			return fmt.Errorf("commands[%d]: %w", i, ErrNilHandler)
		}
	}

	return nil
}

func (d Definition[C]) stateNames() []string {
	return sortedKeys(d.States)
}

// sortedKeys returns map keys in natural order, so "s2" sorts before "s10".
func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	natsort.Sort(keys)

	return keys
}
