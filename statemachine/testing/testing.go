// Package testing provides testing utilities for state machines: a bus with
// a recorder attached, background supervision with cleanup, and matchers
// over the recorded events.
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds Expect and the wait helpers.
const DefaultTimeout = 2 * time.Second

// Harness wires machines under test to an in-memory bus. Everything it
// starts is stopped when the test ends.
type Harness struct {
	t        *testing.T
	bus      *bus.Memory
	recorder *Recorder
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mutex sync.Mutex
	errs  map[string]error
}

// New creates a harness for t.
func New(t *testing.T) *Harness {
	t.Helper()

	b := bus.NewMemory(t.Name())
	ctx, cancel := context.WithCancel(context.Background())

	h := &Harness{
		t:        t,
		bus:      b,
		recorder: NewRecorder(b),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(map[string]error),
	}

	t.Cleanup(h.shutdown)

	return h
}

// Bus returns the harness bus.
func (h *Harness) Bus() *bus.Memory {
	return h.bus
}

// Context is cancelled when the test ends.
func (h *Harness) Context() context.Context {
	return h.ctx
}

// Recorder returns the recorder attached to the bus.
func (h *Harness) Recorder() *Recorder {
	return h.recorder
}

// Options returns machine options that log to the test output.
func (h *Harness) Options() []statemachine.Option {
	return []statemachine.Option{
		statemachine.WithLogger(statemachine.NewSlogLogger(slogt.New(h.t))),
	}
}

// Supervise runs m in the background until the test ends. The error Run
// returns is available from Err.
func (h *Harness) Supervise(m statemachine.Supervised) {
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		err := m.Run(h.ctx)

		h.mutex.Lock()
		h.errs[m.Name()] = err
		h.mutex.Unlock()
	}()
}

// Err returns what Run returned for the named machine, once it has returned.
func (h *Harness) Err(name string) (error, bool) { //nolint:revive
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err, ok := h.errs[name]

	return err, ok
}

// WaitExit waits until the named machine's Run has returned and gives its error.
func (h *Harness) WaitExit(name string) error {
	h.t.Helper()

	var result error

	require.Eventually(h.t, func() bool {
		err, ok := h.Err(name)
		result = err

		return ok
	}, DefaultTimeout, time.Millisecond, "machine %s should have exited", name)

	return result
}

// Publish publishes an event and fails the test on error.
func (h *Harness) Publish(typ string, payload any) {
	h.t.Helper()

	require.NoError(h.t, h.bus.Publish(h.ctx, bus.New(typ, payload)))
}

// Expect waits until m matches the recorded events.
func (h *Harness) Expect(m Matcher) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(h.ctx, DefaultTimeout)
	defer cancel()

	require.NoError(h.t, h.recorder.Wait(ctx, m), m.Description())
}

func (h *Harness) shutdown() {
	h.cancel()
	h.wg.Wait()
	h.recorder.Close()
	h.bus.Close()
}
