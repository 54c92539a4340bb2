package statemachine

import (
	"context"
	"fmt"
)

// SubMachine is a machine nested in a state. It is started when the state is
// entered, after the entry activities and reactions, and stopped before the
// exit activities run.
type SubMachine[C any] interface {
	Name() string
	Start(ctx context.Context, parent *Run[C]) error
	Stop(ctx context.Context) error
}

// Controller is the part of a Machine a parent needs to drive it as a
// sub-machine, whatever its context type.
type Controller interface {
	Name() string
	StartAndWait(ctx context.Context, initial any) error
	Stop(ctx context.Context) error
}

// ContextBuilder derives the initial context of a sub-machine from its
// parent's run.
type ContextBuilder[C, SC any] func(ctx context.Context, parent *Run[C]) (SC, error)

type binding[C any] struct {
	child Controller
	build func(ctx context.Context, parent *Run[C]) (any, error)
}

var _ SubMachine[struct{}] = (*binding[struct{}])(nil)

// Sub binds child as a sub-machine started with its zero context.
func Sub[C any](child Controller) SubMachine[C] {
	return &binding[C]{child: child}
}

// Bind binds child as a sub-machine whose initial context is computed by
// build when the parent state is entered. A nil build behaves like Sub.
func Bind[C, SC any](child *Machine[SC], build ContextBuilder[C, SC]) SubMachine[C] {
	b := &binding[C]{child: child}

	if build != nil {
		b.build = func(ctx context.Context, parent *Run[C]) (any, error) {
			return build(ctx, parent)
		}
	}

	return b
}

func (b *binding[C]) Name() string {
	return b.child.Name()
}

// Start computes the child context and waits until the child has accepted
// the start signal.
func (b *binding[C]) Start(ctx context.Context, parent *Run[C]) error {
	var initial any

	if b.build != nil {
		c, err := b.build(ctx, parent)
		if err != nil {
			return fmt.Errorf("building context: %w", err)
		}

		initial = c
	}

	return b.child.StartAndWait(ctx, initial)
}

// Stop waits until the child has been torn down.
func (b *binding[C]) Stop(ctx context.Context) error {
	return b.child.Stop(ctx)
}
