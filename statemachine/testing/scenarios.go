package testing

import (
	"testing"

	"github.com/amp-labs/sigma/bus"
)

// Step is one step of a scenario: an event to publish, a matcher to wait
// for, or both (publish first).
type Step struct {
	Publish *bus.Event
	Expect  Matcher
}

// Send is a step publishing an event.
func Send(typ string, payload any) Step {
	ev := bus.New(typ, payload)

	return Step{Publish: &ev}
}

// Await is a step waiting for m.
func Await(m Matcher) Step {
	return Step{Expect: m}
}

// Scenario is a named sequence of steps run against machines built by Setup.
type Scenario struct {
	Name  string
	Setup func(h *Harness)
	Steps []Step
}

// RunScenario runs the scenario as a subtest with its own harness.
func RunScenario(t *testing.T, scenario Scenario) {
	t.Helper()

	t.Run(scenario.Name, func(t *testing.T) {
		h := New(t)

		if scenario.Setup != nil {
			scenario.Setup(h)
		}

		for _, step := range scenario.Steps {
			if step.Publish != nil {
				h.Publish(step.Publish.Type, step.Publish.Payload)
			}

			if step.Expect != nil {
				h.Expect(step.Expect)
			}
		}
	})
}
