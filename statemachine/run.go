package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/amp-labs/sigma/bus"
	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/atomic"
)

// Run is the state of one running machine instance, from the start signal
// that created it to the end of its last residency. Activities, handlers and
// guards receive it to read the context, mutate it and publish events.
//
// Everything a Run does on behalf of a state that has been left, or of a run
// that has ended, is rejected with ErrStaleRun.
type Run[C any] struct {
	id      string
	machine string
	bus     bus.Bus

	snapshot atomic.Pointer[C]
	state    atomic.String
	ended    atomic.Bool

	// Serializes context writers so that context-changed notifications are
	// published in write order.
	writeMu sync.Mutex
}

func newRun[C any](id, machine string, b bus.Bus, initial C, state string) *Run[C] {
	r := &Run[C]{
		id:      id,
		machine: machine,
		bus:     b,
	}

	r.snapshot.Store(&initial)
	r.state.Store(state)

	return r
}

// NewDetachedRun returns a run in state that no machine drives. It lets
// handlers and activities be exercised on their own.
func NewDetachedRun[C any](machine, state string, b bus.Bus, initial C) *Run[C] {
	return newRun(uuid.NewString(), machine, b, initial, state)
}

// ID uniquely identifies the run.
func (r *Run[C]) ID() string {
	return r.id
}

// Machine returns the machine name.
func (r *Run[C]) Machine() string {
	return r.machine
}

// State returns the current state.
func (r *Run[C]) State() string {
	return r.state.Load()
}

// Context returns the current context snapshot. Snapshots are shared: treat
// the result as read-only and use UpdateContext to change it.
func (r *Run[C]) Context() C {
	return *r.snapshot.Load()
}

// Ended reports whether the run is over.
func (r *Run[C]) Ended() bool {
	return r.ended.Load()
}

// Publish publishes ev on the machine's bus.
func (r *Run[C]) Publish(ctx context.Context, ev bus.Event) error {
	if err := r.stale(ctx, "publish"); err != nil {
		return err
	}

	return r.bus.Publish(ctx, ev)
}

// SetContext replaces the context.
func (r *Run[C]) SetContext(ctx context.Context, c C) error {
	return r.UpdateContext(ctx, func(draft *C) {
		*draft = c
	})
}

// UpdateContext applies mutate to a deep copy of the current context and
// publishes the result as the new snapshot. Readers never observe a
// partially mutated context.
func (r *Run[C]) UpdateContext(ctx context.Context, mutate func(draft *C)) error {
	if err := r.stale(ctx, "context"); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var draft C

	if err := deepcopy.Copy(&draft, *r.snapshot.Load()); err != nil {
		return fmt.Errorf("copying context: %w", err)
	}

	mutate(&draft)

	// Re-check under the lock: teardown may have ended the run meanwhile.
	if err := r.stale(ctx, "context"); err != nil {
		return err
	}

	r.snapshot.Store(&draft)

	return r.bus.Publish(context.WithoutCancel(ctx), bus.New(EventContextChanged, Lifecycle{
		Machine: r.machine,
		RunID:   r.id,
		State:   r.State(),
		Context: draft,
	}))
}

func (r *Run[C]) setState(state string) {
	r.state.Store(state)
}

func (r *Run[C]) end() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.ended.Store(true)
}

func (r *Run[C]) stale(ctx context.Context, kind string) error {
	if ctx.Err() == nil && !r.ended.Load() {
		return nil
	}

	staleEventsTotal.WithLabelValues(r.machine, kind).Inc()

	return ErrStaleRun
}
