package statemachine

import (
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// A definition document looks like this:
//
//	name: door
//	initial: closed
//	states:
//	  closed:
//	    onEntry: lock              # a name or a list of names
//	    transitions:
//	      OPEN: opened             # direct
//	      KNOCK:                   # simple
//	        target: opened
//	        commands: [greet]
//	      PUSH:                    # guarded
//	        target: opened
//	        guard: {not: isLocked}
//	      KICK:                    # guarded list
//	        - {target: broken, guard: isWeak}
//	        - {target: closed, guard: {and: [isStrong, isLocked]}}
//	    reactions:
//	      RING: answer             # policy all
//	      BUZZ: {handler: answer, policy: last}
//	    subMachines: [alarm]
//
// Guards are a registered name or an expression with a single key: not, and
// or or.
type definitionDoc struct {
	Name    string              `yaml:"name"`
	Initial string              `yaml:"initial"`
	States  map[string]stateDoc `yaml:"states"`
}

type stateDoc struct {
	OnEntry     names                `yaml:"onEntry"`
	OnExit      names                `yaml:"onExit"`
	Transitions map[string]yaml.Node `yaml:"transitions"`
	Reactions   map[string]yaml.Node `yaml:"reactions"`
	SubMachines names                `yaml:"subMachines"`
}

type transitionDoc struct {
	Target   string    `yaml:"target"`
	Guard    yaml.Node `yaml:"guard"`
	Commands names     `yaml:"commands"`
}

type reactionDoc struct {
	Handler string `yaml:"handler"`
	Policy  string `yaml:"policy"`
}

// names accepts a single scalar or a sequence of scalars.
type names []string

func (n *names) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind { //nolint:exhaustive
	case yaml.ScalarNode:
		*n = names{value.Value}

		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}

		*n = list

		return nil
	default:
		return fmt.Errorf("%w: line %d: expected a name or a list of names", ErrInvalidDefinition, value.Line)
	}
}

// LoadDefinition parses a YAML definition, resolving names through reg. The
// result is validated.
func LoadDefinition[C any](data []byte, reg *Registry[C]) (Definition[C], error) {
	var doc definitionDoc

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Definition[C]{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	def := Definition[C]{
		Name:    doc.Name,
		Initial: doc.Initial,
		States:  make(map[string]State[C], len(doc.States)),
	}

	for _, name := range sortedKeys(doc.States) {
		state, err := buildState(doc.States[name], reg)
		if err != nil {
			return Definition[C]{}, fmt.Errorf("state %s: %w", name, err)
		}

		def.States[name] = state
	}

	if err := def.Validate(); err != nil {
		return Definition[C]{}, err
	}

	return def, nil
}

// LoadTopology parses a YAML definition for its structure only. Names are
// not resolved, so no registry is needed.
func LoadTopology(data []byte) (Topology, error) {
	def, err := LoadDefinition(data, newStubRegistry[struct{}]())
	if err != nil {
		return Topology{}, err
	}

	return def.Topology(), nil
}

// LoadDefinitionFile loads a YAML definition from disk.
func LoadDefinitionFile[C any](path string, reg *Registry[C]) (Definition[C], error) {
	data, err := os.ReadFile(path) //nolint:gosec // Intentional path-based loading
	if err != nil {
		return Definition[C]{}, fmt.Errorf("failed to read definition file %q: %w", path, err)
	}

	return LoadDefinition(data, reg)
}

// LoadDefinitionFS loads a YAML definition from a filesystem such as embed.FS.
func LoadDefinitionFS[C any](fsys fs.FS, path string, reg *Registry[C]) (Definition[C], error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return Definition[C]{}, fmt.Errorf("failed to read definition from FS: %w", err)
	}

	return LoadDefinition(data, reg)
}

func buildState[C any](doc stateDoc, reg *Registry[C]) (State[C], error) {
	var (
		state State[C]
		err   error
	)

	if state.OnEntry, err = lookupAll(doc.OnEntry, reg.activity); err != nil {
		return state, fmt.Errorf("onEntry: %w", err)
	}

	if state.OnExit, err = lookupAll(doc.OnExit, reg.activity); err != nil {
		return state, fmt.Errorf("onExit: %w", err)
	}

	if state.SubMachines, err = lookupAll(doc.SubMachines, reg.subMachine); err != nil {
		return state, fmt.Errorf("subMachines: %w", err)
	}

	if len(doc.Transitions) > 0 {
		state.Transitions = make(map[string]Transition[C], len(doc.Transitions))

		for _, event := range sortedKeys(doc.Transitions) {
			node := doc.Transitions[event]

			t, err := buildTransition(&node, reg)
			if err != nil {
				return state, fmt.Errorf("transition %s: %w", event, err)
			}

			state.Transitions[event] = t
		}
	}

	if len(doc.Reactions) > 0 {
		state.Reactions = make(map[string]Reaction[C], len(doc.Reactions))

		for _, event := range sortedKeys(doc.Reactions) {
			node := doc.Reactions[event]

			r, err := buildReaction(&node, reg)
			if err != nil {
				return state, fmt.Errorf("reaction %s: %w", event, err)
			}

			state.Reactions[event] = r
		}
	}

	return state, nil
}

func buildTransition[C any](node *yaml.Node, reg *Registry[C]) (Transition[C], error) {
	switch node.Kind { //nolint:exhaustive
	case yaml.ScalarNode:
		return Direct[C]{Target: node.Value}, nil
	case yaml.MappingNode:
		var doc transitionDoc
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}

		commands, err := lookupAll(doc.Commands, reg.handler)
		if err != nil {
			return nil, err
		}

		if doc.Guard.Kind == 0 {
			return Simple[C]{Target: doc.Target, Commands: commands}, nil
		}

		guard, err := buildGuard(&doc.Guard, reg)
		if err != nil {
			return nil, err
		}

		return Guarded[C]{Target: doc.Target, Guard: guard, Commands: commands}, nil
	case yaml.SequenceNode:
		list := make(GuardedList[C], 0, len(node.Content))

		for i, item := range node.Content {
			t, err := buildTransition(item, reg)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			g, ok := t.(Guarded[C])
			if !ok {
				return nil, fmt.Errorf("[%d]: %w: guarded list entries need a guard", i, ErrInvalidDefinition)
			}

			list = append(list, g)
		}

		return list, nil
	default:
		return nil, fmt.Errorf("%w: line %d: unexpected transition shape", ErrMalformedTransition, node.Line)
	}
}

func buildGuard[C any](node *yaml.Node, reg *Registry[C]) (Guard[C], error) {
	switch node.Kind { //nolint:exhaustive
	case yaml.ScalarNode:
		return reg.guard(node.Value)
	case yaml.MappingNode:
		if len(node.Content) != 2 { //nolint:mnd // one key, one value
			return nil, fmt.Errorf("%w: line %d: guard expression needs exactly one operator", ErrInvalidDefinition, node.Line)
		}

		op, arg := node.Content[0].Value, node.Content[1]

		switch op {
		case "not":
			inner, err := buildGuard(arg, reg)
			if err != nil {
				return nil, err
			}

			return Not(inner), nil
		case "and", "or":
			if arg.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("%w: line %d: %s needs a list", ErrInvalidDefinition, arg.Line, op)
			}

			guards := make([]Guard[C], 0, len(arg.Content))

			for _, item := range arg.Content {
				g, err := buildGuard(item, reg)
				if err != nil {
					return nil, err
				}

				guards = append(guards, g)
			}

			if op == "and" {
				return And(guards...), nil
			}

			return Or(guards...), nil
		default:
			return nil, fmt.Errorf("%w: line %d: unknown guard operator %q", ErrInvalidDefinition, node.Line, op)
		}
	default:
		return nil, fmt.Errorf("%w: line %d: unexpected guard shape", ErrInvalidDefinition, node.Line)
	}
}

func buildReaction[C any](node *yaml.Node, reg *Registry[C]) (Reaction[C], error) {
	var doc reactionDoc

	switch node.Kind { //nolint:exhaustive
	case yaml.ScalarNode:
		doc.Handler = node.Value
	case yaml.MappingNode:
		if err := node.Decode(&doc); err != nil {
			return Reaction[C]{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	default:
		return Reaction[C]{}, fmt.Errorf("%w: line %d: unexpected reaction shape", ErrInvalidDefinition, node.Line)
	}

	handler, err := reg.handler(doc.Handler)
	if err != nil {
		return Reaction[C]{}, err
	}

	policy, err := ParsePolicy(doc.Policy)
	if err != nil {
		return Reaction[C]{}, err
	}

	return Reaction[C]{Handler: handler, Policy: policy}, nil
}

func lookupAll[T any](list names, lookup func(string) (T, error)) ([]T, error) {
	if len(list) == 0 {
		return nil, nil
	}

	out := make([]T, 0, len(list))

	for _, name := range list {
		v, err := lookup(name)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}
