package visualizer

// Options configures the visualization output.
type Options struct {
	// ShowActivities adds entry/exit activity counts, reactions and
	// sub-machines to state nodes
	ShowActivities bool

	// ShowGuards marks guarded transitions and their evaluation order
	ShowGuards bool

	// Direction controls diagram flow: "TB" (top-bottom) or "LR" (left-right)
	Direction string

	// HighlightPath highlights a specific state path through the diagram
	HighlightPath []string

	// Theme controls the color scheme: "default" or "dark"
	Theme string
}

// DefaultOptions returns sensible defaults for visualization.
func DefaultOptions() Options {
	return Options{
		ShowActivities: true,
		ShowGuards:     true,
		Direction:      "TB",
		Theme:          "default",
	}
}

// WithShowActivities enables/disables activity details.
func (o Options) WithShowActivities(show bool) Options {
	o.ShowActivities = show

	return o
}

// WithShowGuards enables/disables guard labels.
func (o Options) WithShowGuards(show bool) Options {
	o.ShowGuards = show

	return o
}

// WithDirection sets the diagram direction.
func (o Options) WithDirection(direction string) Options {
	o.Direction = direction

	return o
}

// WithHighlightPath sets states to highlight.
func (o Options) WithHighlightPath(path []string) Options {
	o.HighlightPath = path

	return o
}

// WithTheme sets the color theme.
func (o Options) WithTheme(theme string) Options {
	o.Theme = theme

	return o
}
