package statemachine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const burst = 10

func reactingMachine(t *testing.T, name string, reaction Reaction[tally]) (*Machine[tally], *bus.Memory) {
	t.Helper()

	def := NewBuilder[tally](name).
		Initial("s").
		React("s", "E", reaction).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))

	return m, b
}

func TestReactAllHandlesEveryEventInOrder(t *testing.T) {
	t.Parallel()

	j := &journal{}

	_, b := reactingMachine(t, "react-all", All(func(_ context.Context, _ *Run[tally], ev bus.Event) error {
		j.add(fmt.Sprint(ev.Payload))

		return nil
	}))

	want := make([]string, 0, burst)

	for i := range burst {
		publish(t, b, "E", i)
		want = append(want, fmt.Sprint(i))
	}

	assert.Equal(t, want, j.waitLen(t, burst))
}

func TestReactFirstDropsEventsWhileBusy(t *testing.T) {
	t.Parallel()

	j := &journal{}
	release := make(chan struct{})

	_, b := reactingMachine(t, "react-first", First(func(ctx context.Context, _ *Run[tally], ev bus.Event) error {
		j.add(fmt.Sprint(ev.Payload))

		if ev.Payload == 0 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}

		return nil
	}))

	publish(t, b, "E", 0)
	j.waitLen(t, 1)

	for i := 1; i < burst; i++ {
		publish(t, b, "E", i)
	}

	close(release)

	// The success is counted after the handler has gone idle, so an event
	// published from here on must be taken.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reactionsTotal.WithLabelValues("react-first", "s", "E", "first", outcomeSuccess)) == 1
	}, waitTimeout, time.Millisecond)

	publish(t, b, "E", burst)

	j.waitLen(t, 2)

	got := j.snapshot()
	assert.Equal(t, []string{"0", fmt.Sprint(burst)}, got[:2])

	for i := 1; i < burst; i++ {
		assert.NotContains(t, got, fmt.Sprint(i))
	}
}

func TestReactLastCancelsPreviousHandler(t *testing.T) {
	t.Parallel()

	j := &journal{}

	_, b := reactingMachine(t, "react-last", Last(func(ctx context.Context, _ *Run[tally], ev bus.Event) error {
		if ev.Payload == burst-1 {
			j.add("done")

			return nil
		}

		<-ctx.Done()

		return ctx.Err()
	}))

	for i := range burst {
		publish(t, b, "E", i)
	}

	assert.Equal(t, []string{"done"}, j.waitLen(t, 1))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reactionsTotal.WithLabelValues("react-last", "s", "E", "last", outcomeCancelled)) == burst-1
	}, waitTimeout, time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(reactionsTotal.WithLabelValues("react-last", "s", "E", "last", outcomeSuccess)), 0)
}

func TestReactionFailureEndsRun(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("react-fail").
		Initial("s").
		React("s", "E", All(func(context.Context, *Run[tally], bus.Event) error {
			return errBoom
		})).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	publish(t, b, "E", nil)

	err = s.wait(t)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "reaction E")
}

func TestReactionsStopWithState(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("react-scope").
		Initial("a").
		React("a", "E", All(func(context.Context, *Run[tally], bus.Event) error {
			j.add("a")

			return nil
		})).
		On("a", "GO", To[tally]("b")).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "react-scope")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))

	publish(t, b, "E", nil)
	j.waitLen(t, 1)

	publish(t, b, "GO", nil)
	skipTo(t, notes, EventStateChanged)

	publish(t, b, "E", nil)

	// Give a leaked reaction the chance to run.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, j.len())
}
