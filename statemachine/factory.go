package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/amp-labs/sigma/bus"
)

// Registry maps names used in YAML definitions to functions. Applications
// register their activities, handlers, guards and sub-machines once and
// reference them by name.
type Registry[C any] struct {
	mutex       sync.RWMutex
	stubs       bool
	activities  map[string]Activity[C]
	handlers    map[string]Handler[C]
	guards      map[string]Guard[C]
	subMachines map[string]SubMachine[C]
}

// NewRegistry creates an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{
		activities:  make(map[string]Activity[C]),
		handlers:    make(map[string]Handler[C]),
		guards:      make(map[string]Guard[C]),
		subMachines: make(map[string]SubMachine[C]),
	}
}

// newStubRegistry returns a registry resolving every name, registered or not,
// to a no-op. It backs LoadTopology.
func newStubRegistry[C any]() *Registry[C] {
	r := NewRegistry[C]()
	r.stubs = true

	return r
}

// RegisterActivity registers an entry or exit activity.
func (r *Registry[C]) RegisterActivity(name string, a Activity[C]) *Registry[C] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.activities[name] = a

	return r
}

// RegisterHandler registers a command or reaction handler.
func (r *Registry[C]) RegisterHandler(name string, h Handler[C]) *Registry[C] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.handlers[name] = h

	return r
}

// RegisterGuard registers a guard.
func (r *Registry[C]) RegisterGuard(name string, g Guard[C]) *Registry[C] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.guards[name] = g

	return r
}

// RegisterSubMachine registers a sub-machine binding under its name.
func (r *Registry[C]) RegisterSubMachine(sub SubMachine[C]) *Registry[C] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.subMachines[sub.Name()] = sub

	return r
}

func (r *Registry[C]) activity(name string) (Activity[C], error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	a, ok := r.activities[name]
	if !ok && r.stubs {
		return func(context.Context, *Run[C]) error { return nil }, nil
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}

	return a, nil
}

func (r *Registry[C]) handler(name string) (Handler[C], error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	h, ok := r.handlers[name]
	if !ok && r.stubs {
		return func(context.Context, *Run[C], bus.Event) error { return nil }, nil
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	return h, nil
}

func (r *Registry[C]) guard(name string) (Guard[C], error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	g, ok := r.guards[name]
	if !ok && r.stubs {
		return func(context.Context, bus.Event, C) (bool, error) { return false, nil }, nil
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuard, name)
	}

	return g, nil
}

func (r *Registry[C]) subMachine(name string) (SubMachine[C], error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, ok := r.subMachines[name]
	if !ok && r.stubs {
		return stubSubMachine[C]{name: name}, nil
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubMachine, name)
	}

	return s, nil
}

type stubSubMachine[C any] struct {
	name string
}

func (s stubSubMachine[C]) Name() string                         { return s.name }
func (s stubSubMachine[C]) Start(context.Context, *Run[C]) error { return nil }
func (s stubSubMachine[C]) Stop(context.Context) error           { return nil }
