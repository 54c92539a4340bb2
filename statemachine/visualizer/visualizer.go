// Package visualizer generates Mermaid state diagrams from machine topologies.
package visualizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amp-labs/sigma/statemachine"
)

// Visualizer errors.
var (
	ErrNoInitialState = errors.New("topology must have an initial state")
	ErrNoStates       = errors.New("topology must have states")
)

type palette struct {
	activity    string
	terminal    string
	highlighted string
}

//nolint:gochecknoglobals
var themes = map[string]palette{
	"default": {
		activity:    "fill:#e1f5ff,stroke:#01579b,stroke-width:2px",
		terminal:    "fill:#c8e6c9,stroke:#2e7d32,stroke-width:2px",
		highlighted: "fill:#fff9c4,stroke:#f57f17,stroke-width:3px",
	},
	"dark": {
		activity:    "fill:#263238,stroke:#4fc3f7,color:#eceff1,stroke-width:2px",
		terminal:    "fill:#1b5e20,stroke:#a5d6a7,color:#eceff1,stroke-width:2px",
		highlighted: "fill:#f57f17,stroke:#fff9c4,color:#212121,stroke-width:3px",
	},
}

// GenerateMermaid renders a topology with the default options.
func GenerateMermaid(topo statemachine.Topology) (string, error) {
	return GenerateMermaidWithOptions(topo, DefaultOptions())
}

// GenerateMermaidFromFile loads a YAML definition and renders it.
func GenerateMermaidFromFile[C any](path string, reg *statemachine.Registry[C]) (string, error) {
	def, err := statemachine.LoadDefinitionFile(path, reg)
	if err != nil {
		return "", fmt.Errorf("failed to load definition: %w", err)
	}

	return GenerateMermaid(def.Topology())
}

// GenerateMermaidWithOptions renders a topology as a Mermaid state diagram.
// States without outgoing transitions are drawn as terminal.
func GenerateMermaidWithOptions(topo statemachine.Topology, opts Options) (string, error) {
	if topo.Initial == "" {
		return "", ErrNoInitialState
	}

	if len(topo.States) == 0 {
		return "", ErrNoStates
	}

	direction := opts.Direction
	if direction == "" {
		direction = "TB"
	}

	colors, ok := themes[opts.Theme]
	if !ok {
		colors = themes["default"]
	}

	highlighted := make(map[string]bool, len(opts.HighlightPath))
	for _, state := range opts.HighlightPath {
		highlighted[state] = true
	}

	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&sb, "    direction %s\n", direction)

	if topo.Name != "" {
		fmt.Fprintf(&sb, "    %%%% %s\n", topo.Name)
	}

	fmt.Fprintf(&sb, "    [*] --> %s\n", topo.Initial)

	for _, state := range topo.States {
		details := describe(state)
		hasActivities := len(details) > 0

		if opts.ShowActivities && hasActivities {
			fmt.Fprintf(&sb, "    %s: %s\\n[%s]\n", state.Name, state.Name, strings.Join(details, ", "))
		}

		terminal := len(state.Transitions) == 0

		switch {
		case highlighted[state.Name]:
			fmt.Fprintf(&sb, "    class %s highlighted\n", state.Name)
		case terminal:
			fmt.Fprintf(&sb, "    class %s terminalState\n", state.Name)
		case hasActivities:
			fmt.Fprintf(&sb, "    class %s activityState\n", state.Name)
		}

		for _, edge := range state.Transitions {
			fmt.Fprintf(&sb, "    %s --> %s: %s\n", state.Name, edge.Target, label(edge, opts))
		}

		if terminal {
			fmt.Fprintf(&sb, "    %s --> [*]\n", state.Name)
		}
	}

	sb.WriteString("\n")
	fmt.Fprintf(&sb, "    classDef activityState %s\n", colors.activity)
	fmt.Fprintf(&sb, "    classDef terminalState %s\n", colors.terminal)
	fmt.Fprintf(&sb, "    classDef highlighted %s\n", colors.highlighted)

	sb.WriteString("```\n")

	return sb.String(), nil
}

func describe(state statemachine.StateTopology) []string {
	var details []string

	if state.OnEntry > 0 {
		details = append(details, fmt.Sprintf("entry x%d", state.OnEntry))
	}

	if state.OnExit > 0 {
		details = append(details, fmt.Sprintf("exit x%d", state.OnExit))
	}

	for _, r := range state.Reactions {
		details = append(details, fmt.Sprintf("on %s (%s)", r.Event, r.Policy))
	}

	for _, sub := range state.SubMachines {
		details = append(details, "runs "+sub)
	}

	return details
}

func label(edge statemachine.Edge, opts Options) string {
	text := edge.Event

	if opts.ShowGuards && edge.Guarded {
		text += fmt.Sprintf(" [guard #%d]", edge.Priority+1)
	}

	if edge.Commands > 0 {
		text += fmt.Sprintf(" / %d cmd", edge.Commands)
	}

	return text
}
