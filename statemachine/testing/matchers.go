package testing

import (
	"errors"
	"fmt"
	"slices"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
)

// Matcher errors.
var (
	ErrNoMatchersPassed     = errors.New("no matchers passed")
	ErrStateNotVisited      = errors.New("state was not visited")
	ErrTransitionNotTaken   = errors.New("transition was not taken")
	ErrEventNotPublished    = errors.New("event was not published")
	ErrUnexpectedEventCount = errors.New("unexpected event count")
	ErrContextMismatch      = errors.New("context does not match")
	ErrNotStopped           = errors.New("machine has not stopped")
)

// Matcher is an assertion over recorded events.
type Matcher interface {
	Match(events []bus.Event) (bool, error)
	Description() string
}

// StateWasVisited matches once machine entered state.
func StateWasVisited(machine, state string) Matcher {
	return &stateVisitedMatcher{machine: machine, state: state}
}

type stateVisitedMatcher struct {
	machine string
	state   string
}

func (m *stateVisitedMatcher) Match(events []bus.Event) (bool, error) {
	if slices.Contains(states(events, m.machine), m.state) {
		return true, nil
	}

	return false, fmt.Errorf("%w: %s.%s", ErrStateNotVisited, m.machine, m.state)
}

func (m *stateVisitedMatcher) Description() string {
	return fmt.Sprintf("state '%s' of '%s' should be visited", m.state, m.machine)
}

// TransitionWasTaken matches once machine moved from one state to another.
func TransitionWasTaken(machine, from, to string) Matcher {
	return &transitionTakenMatcher{machine: machine, from: from, to: to}
}

type transitionTakenMatcher struct {
	machine string
	from    string
	to      string
}

func (m *transitionTakenMatcher) Match(events []bus.Event) (bool, error) {
	for _, ev := range events {
		lc, ok := ev.Payload.(statemachine.Lifecycle)
		if ok && ev.Type == statemachine.EventStateChanged &&
			lc.Machine == m.machine && lc.From == m.from && lc.State == m.to {
			return true, nil
		}
	}

	return false, fmt.Errorf("%w: %s %s -> %s", ErrTransitionNotTaken, m.machine, m.from, m.to)
}

func (m *transitionTakenMatcher) Description() string {
	return fmt.Sprintf("transition from '%s' to '%s' of '%s' should be taken", m.from, m.to, m.machine)
}

// EventPublished matches once an event of type typ was published.
func EventPublished(typ string) Matcher {
	return EventCount(typ, 1)
}

// EventCount matches once at least n events of type typ were published.
func EventCount(typ string, n int) Matcher {
	return &eventCountMatcher{typ: typ, n: n}
}

type eventCountMatcher struct {
	typ string
	n   int
}

func (m *eventCountMatcher) Match(events []bus.Event) (bool, error) {
	count := 0

	for _, ev := range events {
		if ev.Type == m.typ {
			count++
		}
	}

	if count >= m.n {
		return true, nil
	}

	if count == 0 {
		return false, fmt.Errorf("%w: %s", ErrEventNotPublished, m.typ)
	}

	return false, fmt.Errorf("%w: %s published %d times, want %d", ErrUnexpectedEventCount, m.typ, count, m.n)
}

func (m *eventCountMatcher) Description() string {
	return fmt.Sprintf("'%s' should be published at least %d times", m.typ, m.n)
}

// StoppedIn matches once a run of machine stopped while in state.
func StoppedIn(machine, state string) Matcher {
	return &stoppedMatcher{machine: machine, state: state}
}

type stoppedMatcher struct {
	machine string
	state   string
}

func (m *stoppedMatcher) Match(events []bus.Event) (bool, error) {
	for _, lc := range notificationsOf(events, m.machine, statemachine.EventStopped) {
		if lc.From == m.state {
			return true, nil
		}
	}

	return false, fmt.Errorf("%w: %s in %s", ErrNotStopped, m.machine, m.state)
}

func (m *stoppedMatcher) Description() string {
	return fmt.Sprintf("'%s' should stop in state '%s'", m.machine, m.state)
}

// ContextMatches matches once the latest context published by machine
// satisfies pred.
func ContextMatches[C any](machine string, pred func(C) bool) Matcher {
	return &contextMatcher[C]{machine: machine, pred: pred}
}

type contextMatcher[C any] struct {
	machine string
	pred    func(C) bool
}

func (m *contextMatcher[C]) Match(events []bus.Event) (bool, error) {
	var (
		latest C
		found  bool
	)

	for _, ev := range events {
		lc, ok := ev.Payload.(statemachine.Lifecycle)
		if !ok || lc.Machine != m.machine {
			continue
		}

		if ev.Type != statemachine.EventStarted && ev.Type != statemachine.EventContextChanged {
			continue
		}

		if c, ok := lc.Context.(C); ok {
			latest, found = c, true
		}
	}

	if found && m.pred(latest) {
		return true, nil
	}

	return false, fmt.Errorf("%w: %s: %+v", ErrContextMismatch, m.machine, latest)
}

func (m *contextMatcher[C]) Description() string {
	return fmt.Sprintf("context of '%s' should match", m.machine)
}

// All requires every matcher to pass.
func All(matchers ...Matcher) Matcher {
	return &allMatcher{matchers: matchers}
}

type allMatcher struct {
	matchers []Matcher
}

func (m *allMatcher) Match(events []bus.Event) (bool, error) {
	for _, matcher := range m.matchers {
		matched, err := matcher.Match(events)
		if !matched || err != nil {
			return false, err
		}
	}

	return true, nil
}

func (m *allMatcher) Description() string {
	return "all matchers should pass"
}

// Any requires at least one matcher to pass.
func Any(matchers ...Matcher) Matcher {
	return &anyMatcher{matchers: matchers}
}

type anyMatcher struct {
	matchers []Matcher
}

func (m *anyMatcher) Match(events []bus.Event) (bool, error) {
	for _, matcher := range m.matchers {
		matched, err := matcher.Match(events)
		if matched && err == nil {
			return true, nil
		}
	}

	return false, ErrNoMatchersPassed
}

func (m *anyMatcher) Description() string {
	return "at least one matcher should pass"
}

func notificationsOf(events []bus.Event, machine, typ string) []statemachine.Lifecycle {
	var out []statemachine.Lifecycle

	for _, ev := range events {
		if ev.Type != typ {
			continue
		}

		if lc, ok := ev.Payload.(statemachine.Lifecycle); ok && lc.Machine == machine {
			out = append(out, lc)
		}
	}

	return out
}
