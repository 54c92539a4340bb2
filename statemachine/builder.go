package statemachine

// Builder provides a fluent API for constructing definitions.
//
//	def, err := statemachine.NewBuilder[Door]("door").
//		Initial("closed").
//		On("closed", "OPEN", statemachine.To[Door]("opened")).
//		On("opened", "CLOSE", statemachine.To[Door]("closed")).
//		OnEntry("opened", startTimer).
//		Build()
type Builder[C any] struct {
	def Definition[C]
}

// NewBuilder creates a new definition builder.
func NewBuilder[C any](name string) *Builder[C] {
	return &Builder[C]{
		def: Definition[C]{
			Name:   name,
			States: make(map[string]State[C]),
		},
	}
}

// Initial sets the initial state.
func (b *Builder[C]) Initial(state string) *Builder[C] {
	b.def.Initial = state

	return b
}

// State declares a state. Declaring it again is harmless.
func (b *Builder[C]) State(name string) *Builder[C] {
	b.update(name, func(*State[C]) {})

	return b
}

// OnEntry appends entry activities.
func (b *Builder[C]) OnEntry(state string, activities ...Activity[C]) *Builder[C] {
	b.update(state, func(s *State[C]) {
		s.OnEntry = append(s.OnEntry, activities...)
	})

	return b
}

// OnExit appends exit activities.
func (b *Builder[C]) OnExit(state string, activities ...Activity[C]) *Builder[C] {
	b.update(state, func(s *State[C]) {
		s.OnExit = append(s.OnExit, activities...)
	})

	return b
}

// On sets the transition taken from state on event.
func (b *Builder[C]) On(state, event string, t Transition[C]) *Builder[C] {
	b.update(state, func(s *State[C]) {
		if s.Transitions == nil {
			s.Transitions = make(map[string]Transition[C])
		}

		s.Transitions[event] = t
	})

	return b
}

// React sets the reaction of state to event.
func (b *Builder[C]) React(state, event string, r Reaction[C]) *Builder[C] {
	b.update(state, func(s *State[C]) {
		if s.Reactions == nil {
			s.Reactions = make(map[string]Reaction[C])
		}

		s.Reactions[event] = r
	})

	return b
}

// SubMachines appends sub-machines to state.
func (b *Builder[C]) SubMachines(state string, subs ...SubMachine[C]) *Builder[C] {
	b.update(state, func(s *State[C]) {
		s.SubMachines = append(s.SubMachines, subs...)
	})

	return b
}

// Build validates and returns the definition.
func (b *Builder[C]) Build() (Definition[C], error) {
	if err := b.def.Validate(); err != nil {
		return Definition[C]{}, err
	}

	return b.def, nil
}

// MustBuild is Build that panics on an invalid definition.
func (b *Builder[C]) MustBuild() Definition[C] {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}

	return def
}

func (b *Builder[C]) update(name string, fn func(*State[C])) {
	state := b.def.States[name]
	fn(&state)
	b.def.States[name] = state
}
