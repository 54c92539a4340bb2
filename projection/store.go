package projection

import (
	"context"
	"errors"
	"sync"

	"facette.io/natsort"
	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
	"go.uber.org/atomic"
)

// Store projects every machine on a bus. Reads are lock-free.
type Store struct {
	sub *bus.Subscription

	// Serializes reducers; readers load the pointers directly.
	applyMu sync.Mutex

	mutex     sync.RWMutex
	snapshots map[string]*atomic.Pointer[Snapshot]
}

// NewStore subscribes to the lifecycle events on b. Events are folded in by
// Run, or on demand by Sync.
func NewStore(b bus.Bus) *Store {
	return &Store{
		sub: b.Subscribe(func(ev bus.Event) bool {
			_, ok := machineOf(ev)

			return ok && statemachine.IsLifecycle(ev)
		}, bus.WithName("projection")),
		snapshots: make(map[string]*atomic.Pointer[Snapshot]),
	}
}

// Run applies events until ctx is cancelled or the store is closed.
func (s *Store) Run(ctx context.Context) error {
	for {
		ev, err := s.sub.Next(ctx)
		if errors.Is(err, bus.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		s.Apply(ev)
	}
}

// Sync applies the events received so far without blocking.
func (s *Store) Sync() {
	for {
		ev, ok := s.sub.TryNext()
		if !ok {
			return
		}

		s.Apply(ev)
	}
}

// Apply folds one event into the store.
func (s *Store) Apply(ev bus.Event) {
	machine, ok := machineOf(ev)
	if !ok {
		return
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	ptr := s.slot(machine)

	var prev Snapshot
	if p := ptr.Load(); p != nil {
		prev = *p
	}

	next := Reduce(prev, machine, ev)
	ptr.Store(&next)
}

// Get returns the snapshot of machine. Unknown machines are not running.
func (s *Store) Get(machine string) Snapshot {
	s.mutex.RLock()
	ptr, ok := s.snapshots[machine]
	s.mutex.RUnlock()

	if !ok {
		return Snapshot{}
	}

	if p := ptr.Load(); p != nil {
		return *p
	}

	return Snapshot{}
}

// Machines returns the names of the machines seen so far, in natural order.
func (s *Store) Machines() []string {
	s.mutex.RLock()
	names := make([]string, 0, len(s.snapshots))

	for name := range s.snapshots {
		names = append(names, name)
	}
	s.mutex.RUnlock()

	natsort.Sort(names)

	return names
}

// Close detaches the store from the bus. Snapshots remain readable.
func (s *Store) Close() {
	s.sub.Close()
}

func (s *Store) slot(machine string) *atomic.Pointer[Snapshot] {
	s.mutex.RLock()
	ptr, ok := s.snapshots[machine]
	s.mutex.RUnlock()

	if ok {
		return ptr
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if ptr, ok = s.snapshots[machine]; ok {
		return ptr
	}

	ptr = &atomic.Pointer[Snapshot]{}
	s.snapshots[machine] = ptr

	return ptr
}

// Get returns the projected state and typed context of machine. ok is false
// when the machine is not running or its context is not a C.
func Get[C any](s *Store, machine string) (string, C, bool) {
	var zero C

	snap := s.Get(machine)
	if !snap.Running() {
		return "", zero, false
	}

	c, ok := snap.Context.(C)
	if !ok {
		return snap.State, zero, false
	}

	return snap.State, c, true
}
