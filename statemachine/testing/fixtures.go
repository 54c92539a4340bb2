package testing

import (
	"context"
	"path/filepath"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
)

// Counter is a small context type for fixtures.
type Counter struct {
	N      int
	Events []string
}

// Fixture event types.
const (
	EventToggle = "TOGGLE"
	EventNext   = "NEXT"
	EventPing   = "PING"
)

// Increment is a handler adding one to the counter and recording the event.
func Increment(ctx context.Context, run *statemachine.Run[Counter], ev bus.Event) error {
	return run.UpdateContext(ctx, func(c *Counter) {
		c.N++
		c.Events = append(c.Events, ev.Type)
	})
}

// Below is a guard true while the counter is below limit.
func Below(limit int) statemachine.Guard[Counter] {
	return func(_ context.Context, _ bus.Event, c Counter) (bool, error) {
		return c.N < limit, nil
	}
}

// NewRegistry returns a registry with the fixture functions registered as
// "increment", "belowThree" and "atLeastThree".
func NewRegistry() *statemachine.Registry[Counter] {
	return statemachine.NewRegistry[Counter]().
		RegisterHandler("increment", Increment).
		RegisterGuard("belowThree", Below(3)).
		RegisterGuard("atLeastThree", statemachine.Not(Below(3)))
}

// LoadTestDefinition loads a definition from the testdata directory.
func LoadTestDefinition(name string, reg *statemachine.Registry[Counter]) (statemachine.Definition[Counter], error) {
	if reg == nil {
		reg = NewRegistry()
	}

	return statemachine.LoadDefinitionFile(filepath.Join("testdata", name), reg)
}

// CommonDefinitions provides frequently used definitions.
var CommonDefinitions = struct { //nolint:gochecknoglobals
	Toggle func(name string) statemachine.Definition[Counter]
	Linear func(name string) statemachine.Definition[Counter]
	Loop   func(name string) statemachine.Definition[Counter]
}{
	Toggle: func(name string) statemachine.Definition[Counter] {
		return statemachine.NewBuilder[Counter](name).
			Initial("off").
			On("off", EventToggle, statemachine.Simple[Counter]{
				Target:   "on",
				Commands: []statemachine.Handler[Counter]{Increment},
			}).
			On("on", EventToggle, statemachine.To[Counter]("off")).
			MustBuild()
	},
	Linear: func(name string) statemachine.Definition[Counter] {
		return statemachine.NewBuilder[Counter](name).
			Initial("start").
			On("start", EventNext, statemachine.To[Counter]("middle")).
			On("middle", EventNext, statemachine.To[Counter]("end")).
			State("end").
			MustBuild()
	},
	Loop: func(name string) statemachine.Definition[Counter] {
		return statemachine.NewBuilder[Counter](name).
			Initial("retry").
			On("retry", EventNext, statemachine.GuardedList[Counter]{
				{Target: "retry", Guard: Below(3), Commands: []statemachine.Handler[Counter]{Increment}},
				{Target: "complete", Guard: statemachine.Not(Below(3))},
			}).
			State("complete").
			MustBuild()
	},
}
