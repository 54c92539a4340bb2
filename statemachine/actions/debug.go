package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/logger"
	"github.com/amp-labs/sigma/statemachine"
)

// Tracer records handler executions for debugging.
type Tracer[C any] struct {
	mutex  sync.Mutex
	traces []Trace[C]
}

// Trace is a single recorded execution.
type Trace[C any] struct {
	Name     string
	State    string
	Event    string
	Before   C
	After    C
	Duration time.Duration
	Err      error
}

// NewTracer creates an empty tracer.
func NewTracer[C any]() *Tracer[C] {
	return &Tracer[C]{}
}

// Wrap returns h recording every execution under name. Executions are also
// logged at debug level.
func (t *Tracer[C]) Wrap(name string, h statemachine.Handler[C]) statemachine.Handler[C] {
	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		before := run.Context()
		started := time.Now()

		err := h(ctx, run, ev)

		trace := Trace[C]{
			Name:     name,
			State:    run.State(),
			Event:    ev.Type,
			Before:   before,
			After:    run.Context(),
			Duration: time.Since(started),
			Err:      err,
		}

		t.mutex.Lock()
		t.traces = append(t.traces, trace)
		t.mutex.Unlock()

		logger.Get(ctx).Debug("action executed",
			"action", name,
			"machine", run.Machine(),
			"state", trace.State,
			"event", trace.Event,
			"duration", trace.Duration,
			"error", err)

		return err
	}
}

// Traces returns a copy of the recorded executions.
func (t *Tracer[C]) Traces() []Trace[C] {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	out := make([]Trace[C], len(t.traces))
	copy(out, t.traces)

	return out
}

// Reset discards the recorded executions.
func (t *Tracer[C]) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.traces = nil
}

// String renders the traces, one block per execution.
func (t *Tracer[C]) String() string {
	var builder strings.Builder

	builder.WriteString("=== Action Execution Traces ===\n")

	for i, trace := range t.Traces() {
		fmt.Fprintf(&builder, "\n[%d] %s on %s in %s (%s)\n", i, trace.Name, trace.Event, trace.State, trace.Duration)

		if trace.Err != nil {
			fmt.Fprintf(&builder, "  Error: %v\n", trace.Err)
		}

		before, after := fmt.Sprintf("%+v", trace.Before), fmt.Sprintf("%+v", trace.After)
		if before != after {
			fmt.Fprintf(&builder, "  ~ %s -> %s\n", before, after)
		}
	}

	builder.WriteString("\n===============================\n")

	return builder.String()
}
