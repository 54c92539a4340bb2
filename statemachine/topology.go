package statemachine

// Topology is the shape of a Definition with the functions stripped out.
// States, transitions and reactions are in natural order.
type Topology struct {
	Name    string
	Initial string
	States  []StateTopology
}

// StateTopology describes one state.
type StateTopology struct {
	Name        string
	OnEntry     int
	OnExit      int
	Transitions []Edge
	Reactions   []ReactionTopology
	SubMachines []string
}

// Edge is a possible transition. A guarded list yields one edge per entry,
// with Priority giving the evaluation order.
type Edge struct {
	Event    string
	Target   string
	Guarded  bool
	Priority int
	Commands int
}

// ReactionTopology describes a reaction.
type ReactionTopology struct {
	Event  string
	Policy Policy
}

// Topology returns the structure of the definition.
func (d Definition[C]) Topology() Topology {
	topo := Topology{
		Name:    d.Name,
		Initial: d.Initial,
		States:  make([]StateTopology, 0, len(d.States)),
	}

	for _, name := range d.stateNames() {
		state := d.States[name]

		st := StateTopology{
			Name:    name,
			OnEntry: len(state.OnEntry),
			OnExit:  len(state.OnExit),
		}

		for _, event := range sortedKeys(state.Transitions) {
			st.Transitions = append(st.Transitions, edges[C](event, state.Transitions[event])...)
		}

		for _, event := range sortedKeys(state.Reactions) {
			st.Reactions = append(st.Reactions, ReactionTopology{
				Event:  event,
				Policy: state.Reactions[event].Policy,
			})
		}

		for _, sub := range state.SubMachines {
			if sub != nil {
				st.SubMachines = append(st.SubMachines, sub.Name())
			}
		}

		topo.States = append(topo.States, st)
	}

	return topo
}

func edges[C any](event string, t Transition[C]) []Edge {
	switch tr := t.(type) {
	case Direct[C]:
		return []Edge{{Event: event, Target: tr.Target}}
	case Simple[C]:
		return []Edge{{Event: event, Target: tr.Target, Commands: len(tr.Commands)}}
	case Guarded[C]:
		return []Edge{{Event: event, Target: tr.Target, Guarded: true, Commands: len(tr.Commands)}}
	case GuardedList[C]:
		out := make([]Edge, 0, len(tr))
		for i, g := range tr {
			out = append(out, Edge{
				Event:    event,
				Target:   g.Target,
				Guarded:  true,
				Priority: i,
				Commands: len(g.Commands),
			})
		}

		return out
	default:
		return nil
	}
}

// State returns the topology of the named state.
func (t Topology) State(name string) (StateTopology, bool) {
	for _, st := range t.States {
		if st.Name == name {
			return st, true
		}
	}

	return StateTopology{}, false
}
