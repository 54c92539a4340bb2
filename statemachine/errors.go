package statemachine

import (
	"errors"
	"fmt"

	"github.com/amp-labs/sigma/logger"
)

// Definition errors.
var (
	// ErrNameRequired indicates that a machine name is required.
	ErrNameRequired = errors.New("machine name is required")
	// ErrInitialStateRequired indicates that an initial state is required.
	ErrInitialStateRequired = errors.New("initial state is required")
	// ErrStateRequired indicates that at least one state is required.
	ErrStateRequired = errors.New("at least one state is required")
	// ErrInitialStateNotFound indicates that the initial state does not exist.
	ErrInitialStateNotFound = errors.New("initial state does not exist")
	// ErrStateNameRequired indicates that a state has an empty name.
	ErrStateNameRequired = errors.New("state name is required")
	// ErrTransitionToRequired indicates that a transition has no target.
	ErrTransitionToRequired = errors.New("transition target is required")
	// ErrTransitionToNotFound indicates that a transition targets an undeclared state.
	ErrTransitionToNotFound = errors.New("transition target does not exist")
	// ErrMalformedTransition indicates a transition value of an unknown shape.
	ErrMalformedTransition = errors.New("malformed transition")
	// ErrNilGuard indicates a guarded transition without a guard.
	ErrNilGuard = errors.New("guarded transition requires a guard")
	// ErrEmptyGuardList indicates a guarded list without entries.
	ErrEmptyGuardList = errors.New("guarded list must not be empty")
	// ErrNilActivity indicates a nil entry or exit activity.
	ErrNilActivity = errors.New("activity must not be nil")
	// ErrNilHandler indicates a nil command or reaction handler.
	ErrNilHandler = errors.New("handler must not be nil")
	// ErrUnknownPolicy indicates an unknown reaction policy.
	ErrUnknownPolicy = errors.New("unknown reaction policy")
	// ErrNilSubMachine indicates a nil sub-machine binding.
	ErrNilSubMachine = errors.New("sub-machine must not be nil")
	// ErrSelfSubMachine indicates a machine bound as its own sub-machine.
	ErrSelfSubMachine = errors.New("machine cannot be its own sub-machine")
	// ErrEventTypeRequired indicates a transition or reaction on an empty event type.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrInvalidDefinition indicates a YAML document of the wrong shape.
	ErrInvalidDefinition = errors.New("invalid definition")
	// ErrUnknownActivity indicates an activity name missing from the registry.
	ErrUnknownActivity = errors.New("unknown activity")
	// ErrUnknownHandler indicates a handler name missing from the registry.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrUnknownGuard indicates a guard name missing from the registry.
	ErrUnknownGuard = errors.New("unknown guard")
	// ErrUnknownSubMachine indicates a sub-machine name missing from the registry.
	ErrUnknownSubMachine = errors.New("unknown sub-machine")
	// ErrDuplicateMachine indicates two machines registered under one name.
	ErrDuplicateMachine = errors.New("duplicate machine")
)

// Runtime errors.
var (
	// ErrGuardFailed wraps errors returned by guards.
	ErrGuardFailed = errors.New("guard failed")
	// ErrAmbiguousGuards indicates that more than one guard of a guarded list
	// matched while strict guards are on.
	ErrAmbiguousGuards = errors.New("ambiguous guards")
	// ErrStaleRun is returned to code that publishes or mutates context on
	// behalf of a state or run that has already ended.
	ErrStaleRun = errors.New("stale run")
	// ErrAlreadySupervised is returned by Run when the machine is already
	// being supervised.
	ErrAlreadySupervised = errors.New("machine is already supervised")
	// ErrNotSupervised is returned when starting a sub-machine nobody runs.
	ErrNotSupervised = errors.New("machine is not supervised")
	// ErrContextType indicates a start signal carrying a context of the wrong type.
	ErrContextType = errors.New("unexpected context type")
)

// StateError wraps an error with state context.
type StateError struct {
	Machine string
	State   string
	Err     error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("machine %s, state %s: %v", e.Machine, e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// TransitionError wraps an error with transition context.
type TransitionError struct {
	Machine string
	From    string
	To      string
	Event   string
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("machine %s, transition %s -> %s on %s: %v", e.Machine, e.From, e.To, e.Event, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// DuplicateMachineError reports a machine name registered twice.
type DuplicateMachineError struct {
	Name string
}

func (e *DuplicateMachineError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDuplicateMachine, e.Name)
}

func (e *DuplicateMachineError) Unwrap() error {
	return ErrDuplicateMachine
}

// WrapStateError wraps an error with state context. The machine and state
// are also attached as log attributes, see logger.AnnotateError.
func WrapStateError(machine, state string, err error) error {
	if err == nil {
		return nil
	}

	return &StateError{
		Machine: machine,
		State:   state,
		Err:     logger.AnnotateError(err, "machine", machine, "state", state),
	}
}

// WrapTransitionError wraps an error with transition context.
func WrapTransitionError(machine, from, to, event string, err error) error {
	if err == nil {
		return nil
	}

	return &TransitionError{
		Machine: machine,
		From:    from,
		To:      to,
		Event:   event,
		Err:     logger.AnnotateError(err, "machine", machine, "from", from, "to", to, "event", event),
	}
}

func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}
