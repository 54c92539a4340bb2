package statemachine

import (
	"context"
	"fmt"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/logger"
	"golang.org/x/sync/errgroup"
)

// Supervised is anything the Starter can run: in practice a *Machine.
type Supervised interface {
	Name() string
	Run(ctx context.Context) error
}

// Starter runs a set of machines with unique names on one bus.
type Starter struct {
	bus      bus.Bus
	machines []Supervised
	names    map[string]struct{}
	debug    bool
}

// StarterOption configures a Starter.
type StarterOption func(*Starter)

// WithDebug turns on development diagnostics: signals addressed to machines
// the starter does not know are logged as warnings.
func WithDebug(debug bool) StarterOption {
	return func(s *Starter) {
		s.debug = debug
	}
}

// NewStarter creates a starter. Two machines with the same name are a
// DuplicateMachineError.
func NewStarter(b bus.Bus, machines []Supervised, opts ...StarterOption) (*Starter, error) {
	s := &Starter{
		bus:   b,
		names: make(map[string]struct{}, len(machines)),
	}

	for _, m := range machines {
		if _, dup := s.names[m.Name()]; dup {
			return nil, &DuplicateMachineError{Name: m.Name()}
		}

		s.names[m.Name()] = struct{}{}
		s.machines = append(s.machines, m)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Knows reports whether a machine with this name is registered.
func (s *Starter) Knows(name string) bool {
	_, ok := s.names[name]

	return ok
}

// Run supervises every machine until ctx is cancelled or one of them fails,
// in which case the others are cancelled and the error is returned.
func (s *Starter) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if s.debug {
		unknown := s.bus.Subscribe(func(ev bus.Event) bool {
			if ev.Type != EventStart && ev.Type != EventStop {
				return false
			}

			sig, ok := ev.Payload.(Signal)

			return ok && !s.Knows(sig.Machine)
		}, bus.WithName("starter/unknown"))

		group.Go(func() error {
			defer unknown.Close()

			s.reportUnknown(ctx, unknown)

			return nil
		})
	}

	for _, m := range s.machines {
		group.Go(func() error {
			if err := m.Run(ctx); err != nil {
				return fmt.Errorf("machine %s: %w", m.Name(), err)
			}

			return nil
		})
	}

	return group.Wait()
}

func (s *Starter) reportUnknown(ctx context.Context, sub *bus.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}

		sig, _ := ev.Payload.(Signal)

		logger.Get(ctx).Warn("Signal addressed to an unknown machine",
			"signal", ev.Type,
			"machine", sig.Machine)
	}
}
