package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func doorDefinition(name string) Definition[tally] {
	return NewBuilder[tally](name).
		Initial("closed").
		On("closed", "OPEN", To[tally]("opened")).
		On("opened", "CLOSE", To[tally]("closed")).
		MustBuild()
}

func TestMachineLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBus(t)

	m, err := New(b, doorDefinition("door"), testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "door")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(ctx, tally{N: 1}))

	started := expect(t, notes, EventStarted)
	assert.Equal(t, "closed", started.State)
	assert.Equal(t, tally{N: 1}, started.Context)
	assert.NotEmpty(t, started.RunID)
	assert.True(t, m.Running())

	state, c := m.Snapshot()
	assert.Equal(t, "closed", state)
	assert.Equal(t, 1, c.N)

	publish(t, b, "OPEN", nil)

	changed := expect(t, notes, EventStateChanged)
	assert.Equal(t, "closed", changed.From)
	assert.Equal(t, "opened", changed.State)
	assert.Equal(t, "OPEN", changed.Event)
	assert.Equal(t, started.RunID, changed.RunID)

	// Not handled in opened.
	publish(t, b, "OPEN", nil)
	publish(t, b, "CLOSE", nil)

	changed = expect(t, notes, EventStateChanged)
	assert.Equal(t, "closed", changed.State)

	require.NoError(t, m.Stop(ctx))

	stopped := expect(t, notes, EventStopped)
	assert.Equal(t, "closed", stopped.From)
	assert.Equal(t, started.RunID, stopped.RunID)

	assert.False(t, m.Running())

	_, ok := m.Current()
	assert.False(t, ok)

	state, _ = m.Snapshot()
	assert.Empty(t, state)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBus(t)

	m, err := New(b, doorDefinition("idempotent"), testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "idempotent")
	supervise(t, m)

	require.NoError(t, m.Stop(ctx))

	require.NoError(t, m.StartAndWait(ctx, tally{N: 1}))
	require.NoError(t, m.StartAndWait(ctx, tally{N: 2}))

	_, c := m.Snapshot()
	assert.Equal(t, 1, c.N, "second start must not reset the context")

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	expect(t, notes, EventStarted)
	expect(t, notes, EventStopped)
	assert.Zero(t, notes.Pending())
}

func TestRestartCreatesNewRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBus(t)

	m, err := New(b, doorDefinition("restart"), testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "restart")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(ctx, nil))
	publish(t, b, "OPEN", nil)
	first := expect(t, notes, EventStarted)
	expect(t, notes, EventStateChanged)
	require.NoError(t, m.Stop(ctx))
	expect(t, notes, EventStopped)

	require.NoError(t, m.StartAndWait(ctx, nil))

	second := expect(t, notes, EventStarted)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, "closed", second.State, "a new run starts in the initial state")
}

func TestSignalsBeforeRunAreKept(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	m, err := New(b, doorDefinition("early"), testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "early")

	require.NoError(t, m.Start(context.Background(), tally{N: 7}))

	supervise(t, m)

	started := expect(t, notes, EventStarted)
	assert.Equal(t, tally{N: 7}, started.Context)
}

func TestInitialContextIsCopied(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	m, err := New(b, doorDefinition("copied"), testOptions(t)...)
	require.NoError(t, err)

	supervise(t, m)

	initial := &tally{Log: []string{"original"}}
	require.NoError(t, m.StartAndWait(context.Background(), initial))

	initial.Log[0] = "mutated"

	_, c := m.Snapshot()
	assert.Equal(t, []string{"original"}, c.Log)
}

func TestStartWithWrongContextTypeIsIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBus(t)

	m, err := New(b, doorDefinition("typed"), testOptions(t)...)
	require.NoError(t, err)

	supervise(t, m)

	require.NoError(t, m.StartAndWait(ctx, "not a tally"))
	assert.False(t, m.Running())

	require.NoError(t, m.StartAndWait(ctx, tally{N: 3}))
	assert.True(t, m.Running())
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	m, err := New(b, doorDefinition("once"), testOptions(t)...)
	require.NoError(t, err)

	s := supervise(t, m)

	require.Eventually(t, m.Supervised, waitTimeout, time.Millisecond)
	require.ErrorIs(t, m.Run(context.Background()), ErrAlreadySupervised)

	s.cancel()
	require.NoError(t, s.wait(t))
	assert.False(t, m.Supervised())

	require.ErrorIs(t, m.StartAndWait(context.Background(), nil), ErrNotSupervised)
	require.NoError(t, m.Stop(context.Background()))
}

func TestGuardedListTakesFirstMatch(t *testing.T) {
	t.Parallel()

	j := &journal{}
	guard := func(name string, result bool) Guard[tally] {
		return func(context.Context, bus.Event, tally) (bool, error) {
			j.add(name)

			return result, nil
		}
	}

	def := NewBuilder[tally]("guards").
		Initial("a").
		On("a", "GO", GuardedList[tally]{
			{Target: "b", Guard: guard("g1", false)},
			{Target: "c", Guard: guard("g2", true)},
			{Target: "d", Guard: guard("g3", true)},
		}).
		State("b").State("c").State("d").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "guards")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	publish(t, b, "GO", nil)

	changed := skipTo(t, notes, EventStateChanged)
	assert.Equal(t, "c", changed.State)
	assert.Equal(t, []string{"g1", "g2"}, j.snapshot())
}

func TestGuardSeesCurrentContext(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("ctxguard").
		Initial("a").
		On("a", "GO", Guarded[tally]{
			Target: "b",
			Guard: func(_ context.Context, _ bus.Event, c tally) (bool, error) {
				return c.N > 0, nil
			},
		}).
		React("a", "INC", All(func(ctx context.Context, run *Run[tally], _ bus.Event) error {
			return run.UpdateContext(ctx, func(c *tally) { c.N++ })
		})).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "ctxguard")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))

	publish(t, b, "GO", nil)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(guardEvaluationsTotal.WithLabelValues("ctxguard", "a", "GO", "false")) == 1
	}, waitTimeout, time.Millisecond)

	state, _ := m.Snapshot()
	assert.Equal(t, "a", state, "unmatched event is dropped")

	publish(t, b, "INC", nil)
	skipTo(t, notes, EventContextChanged)

	publish(t, b, "GO", nil)

	changed := skipTo(t, notes, EventStateChanged)
	assert.Equal(t, "b", changed.State)
}

func TestUnmatchedEventIsDropped(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("dropper").
		Initial("a").
		On("a", "GO", Guarded[tally]{
			Target: "b",
			Guard: func(_ context.Context, ev bus.Event, _ tally) (bool, error) {
				return ev.Payload == "yes", nil
			},
		}).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "dropper")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	expect(t, notes, EventStarted)

	publish(t, b, "GO", "no")
	publish(t, b, "GO", "yes")

	changed := expect(t, notes, EventStateChanged)
	assert.Equal(t, "b", changed.State)
}

func TestStrictGuardsRejectAmbiguity(t *testing.T) {
	t.Parallel()

	yes := func(context.Context, bus.Event, tally) (bool, error) { return true, nil }

	def := NewBuilder[tally]("strict").
		Initial("a").
		On("a", "GO", GuardedList[tally]{
			{Target: "b", Guard: yes},
			{Target: "c", Guard: yes},
		}).
		State("b").State("c").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t, WithStrictGuards())...)
	require.NoError(t, err)

	notes := watch(t, b, "strict")
	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	publish(t, b, "GO", nil)

	err = s.wait(t)
	require.ErrorIs(t, err, ErrAmbiguousGuards)

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "GO", terr.Event)

	stopped := skipTo(t, notes, EventStopped)
	assert.Equal(t, "a", stopped.From)
}

func TestGuardErrorFailsRun(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("guarderr").
		Initial("a").
		On("a", "GO", Guarded[tally]{
			Target: "b",
			Guard: func(context.Context, bus.Event, tally) (bool, error) {
				return false, errBoom
			},
		}).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	publish(t, b, "GO", nil)

	err = s.wait(t)
	require.ErrorIs(t, err, ErrGuardFailed)
	require.ErrorIs(t, err, errBoom)
}

func TestExitRunsBeforeCommandsAndEntry(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("order").
		Initial("a").
		OnEntry("a", func(ctx context.Context, _ *Run[tally]) error {
			j.add("enter a")
			<-ctx.Done()
			j.add("a cancelled")

			return nil
		}).
		OnExit("a", record(j, "exit a 1"), record(j, "exit a 2")).
		On("a", "GO", Simple[tally]{
			Target: "b",
			Commands: []Handler[tally]{func(context.Context, *Run[tally], bus.Event) error {
				j.add("command")

				return nil
			}},
		}).
		OnEntry("b", record(j, "enter b")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	j.waitLen(t, 1)

	publish(t, b, "GO", nil)

	assert.Equal(t, []string{
		"enter a",
		"a cancelled",
		"exit a 1",
		"exit a 2",
		"command",
		"enter b",
	}, j.waitLen(t, 6))
}

func TestEntryPublishingItsOwnTransition(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("eager").
		Initial("a").
		OnEntry("a", func(ctx context.Context, run *Run[tally]) error {
			return run.Publish(ctx, bus.New("GO", nil))
		}).
		On("a", "GO", To[tally]("b")).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "eager")
	supervise(t, m)

	require.NoError(t, m.Start(context.Background(), tally{}))

	expect(t, notes, EventStarted)

	changed := expect(t, notes, EventStateChanged)
	assert.Equal(t, "a", changed.From)
	assert.Equal(t, "b", changed.State)
	assert.Equal(t, "GO", changed.Event)
}

func TestCommandEventsDoNotReachTheTarget(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("deaf").
		Initial("a").
		On("a", "GO", Simple[tally]{
			Target: "b",
			Commands: []Handler[tally]{func(ctx context.Context, run *Run[tally], _ bus.Event) error {
				return run.Publish(ctx, bus.New("NEXT", nil))
			}},
		}).
		On("b", "NEXT", To[tally]("c")).
		On("b", "CHECK", To[tally]("d")).
		State("c").
		State("d").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "deaf")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	expect(t, notes, EventStarted)

	publish(t, b, "GO", nil)
	assert.Equal(t, "b", expect(t, notes, EventStateChanged).State)

	// Had b received NEXT, it would be queued ahead of CHECK.
	publish(t, b, "CHECK", nil)

	changed := expect(t, notes, EventStateChanged)
	assert.Equal(t, "b", changed.From)
	assert.Equal(t, "d", changed.State)
}

func TestStopDuringCommandSkipsTarget(t *testing.T) {
	t.Parallel()

	j := &journal{}
	release := make(chan struct{})

	def := NewBuilder[tally]("interrupted").
		Initial("a").
		OnExit("a", record(j, "exit a")).
		On("a", "GO", Simple[tally]{
			Target: "b",
			Commands: []Handler[tally]{func(context.Context, *Run[tally], bus.Event) error {
				j.add("command")
				<-release

				return nil
			}},
		}).
		OnEntry("b", record(j, "enter b")).
		OnExit("b", record(j, "exit b")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "interrupted")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	expect(t, notes, EventStarted)

	publish(t, b, "GO", nil)
	j.waitLen(t, 2)

	require.NoError(t, b.Publish(context.Background(), StopSignal("interrupted")))
	close(release)

	stopped := expect(t, notes, EventStopped)
	assert.Equal(t, "a", stopped.From)
	assert.Equal(t, []string{"exit a", "command"}, j.snapshot())

	_, running := m.Current()
	assert.False(t, running)
}

func TestStopCancelsRunningCommand(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("cancelled-command").
		Initial("a").
		On("a", "GO", Simple[tally]{
			Target: "b",
			Commands: []Handler[tally]{func(ctx context.Context, _ *Run[tally], _ bus.Event) error {
				j.add("command")
				<-ctx.Done()
				j.add("command cancelled")

				return ctx.Err()
			}},
		}).
		OnEntry("b", record(j, "enter b")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "cancelled-command")
	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	expect(t, notes, EventStarted)

	publish(t, b, "GO", nil)
	j.waitLen(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"command", "command cancelled"}, j.snapshot())
	assert.Equal(t, "a", expect(t, notes, EventStopped).From)

	select {
	case <-s.done:
		t.Fatal("supervisor exited")
	default:
	}
}

func TestStopFromOwnHandlers(t *testing.T) {
	t.Parallel()

	t.Run("command", func(t *testing.T) {
		t.Parallel()

		var m *Machine[tally]

		j := &journal{}

		def := NewBuilder[tally]("self-stop-command").
			Initial("a").
			On("a", "GO", Simple[tally]{
				Target: "b",
				Commands: []Handler[tally]{func(ctx context.Context, _ *Run[tally], _ bus.Event) error {
					return m.Stop(ctx)
				}},
			}).
			OnEntry("b", record(j, "enter b")).
			MustBuild()

		b := newBus(t)

		var err error

		m, err = New(b, def, testOptions(t)...)
		require.NoError(t, err)

		notes := watch(t, b, "self-stop-command")
		supervise(t, m)

		require.NoError(t, m.StartAndWait(context.Background(), nil))
		expect(t, notes, EventStarted)

		publish(t, b, "GO", nil)

		assert.Equal(t, "a", expect(t, notes, EventStopped).From)
		assert.Empty(t, j.snapshot())
	})

	t.Run("exit", func(t *testing.T) {
		t.Parallel()

		var m *Machine[tally]

		j := &journal{}

		def := NewBuilder[tally]("self-stop-exit").
			Initial("a").
			OnExit("a", func(ctx context.Context, _ *Run[tally]) error {
				return m.Stop(ctx)
			}).
			On("a", "GO", To[tally]("b")).
			OnEntry("b", record(j, "enter b")).
			MustBuild()

		b := newBus(t)

		var err error

		m, err = New(b, def, testOptions(t)...)
		require.NoError(t, err)

		notes := watch(t, b, "self-stop-exit")
		supervise(t, m)

		require.NoError(t, m.StartAndWait(context.Background(), nil))
		expect(t, notes, EventStarted)

		publish(t, b, "GO", nil)

		assert.Equal(t, "a", expect(t, notes, EventStopped).From)
		assert.Empty(t, j.snapshot())
	})
}

func TestSelfTransitionReentersState(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("self").
		Initial("a").
		OnEntry("a", record(j, "enter")).
		OnExit("a", record(j, "exit")).
		On("a", "AGAIN", To[tally]("a")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "self")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	j.waitLen(t, 1)

	publish(t, b, "AGAIN", nil)

	changed := skipTo(t, notes, EventStateChanged)
	assert.Equal(t, "a", changed.From)
	assert.Equal(t, "a", changed.State)
	assert.Equal(t, []string{"enter", "exit", "enter"}, j.waitLen(t, 3))
}

func TestStopTearsDownState(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("teardown").
		Initial("a").
		OnEntry("a", func(ctx context.Context, _ *Run[tally]) error {
			j.add("enter")
			<-ctx.Done()
			j.add("cancelled")

			return ctx.Err()
		}).
		OnExit("a", record(j, "exit")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	j.waitLen(t, 1)

	require.NoError(t, m.Stop(context.Background()))

	// Stop returns only after teardown.
	assert.Equal(t, []string{"enter", "cancelled", "exit"}, j.snapshot())

	s.cancel()
	require.NoError(t, s.wait(t), "cancellation is not a failure")
}

func TestActivityFailureEndsRun(t *testing.T) {
	t.Parallel()

	j := &journal{}

	def := NewBuilder[tally]("failing").
		Initial("a").
		OnEntry("a", func(context.Context, *Run[tally]) error { return errBoom }).
		OnExit("a", record(j, "exit")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "failing")
	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))

	err = s.wait(t)
	require.ErrorIs(t, err, errBoom)

	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "a", serr.State)
	assert.Equal(t, "failing", serr.Machine)

	assert.Equal(t, []string{"exit"}, j.snapshot())

	stopped := skipTo(t, notes, EventStopped)
	assert.Equal(t, "a", stopped.From)
	assert.InDelta(t, 1, testutil.ToFloat64(runsTotal.WithLabelValues("failing", outcomeError)), 0)
}

func TestCommandFailureKeepsSourceState(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("cmdfail").
		Initial("a").
		On("a", "GO", Simple[tally]{
			Target: "b",
			Commands: []Handler[tally]{func(context.Context, *Run[tally], bus.Event) error {
				return errBoom
			}},
		}).
		State("b").
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "cmdfail")
	s := supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), nil))
	publish(t, b, "GO", nil)

	err = s.wait(t)
	require.ErrorIs(t, err, errBoom)

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "a", terr.From)
	assert.Equal(t, "b", terr.To)

	stopped := skipTo(t, notes, EventStopped)
	assert.Equal(t, "a", stopped.From)
}

func TestPanicsBecomeErrors(t *testing.T) {
	t.Parallel()

	t.Run("command", func(t *testing.T) {
		t.Parallel()

		def := NewBuilder[tally]("panic-command").
			Initial("a").
			On("a", "GO", Simple[tally]{
				Target: "b",
				Commands: []Handler[tally]{func(context.Context, *Run[tally], bus.Event) error {
					panic("command exploded")
				}},
			}).
			State("b").
			MustBuild()

		b := newBus(t)

		m, err := New(b, def, testOptions(t)...)
		require.NoError(t, err)

		s := supervise(t, m)

		require.NoError(t, m.StartAndWait(context.Background(), nil))
		publish(t, b, "GO", nil)

		require.ErrorIs(t, s.wait(t), task.ErrPanic)
	})

	t.Run("activity", func(t *testing.T) {
		t.Parallel()

		def := NewBuilder[tally]("panic-activity").
			Initial("a").
			OnEntry("a", func(context.Context, *Run[tally]) error {
				panic(errBoom)
			}).
			MustBuild()

		b := newBus(t)

		m, err := New(b, def, testOptions(t)...)
		require.NoError(t, err)

		s := supervise(t, m)

		require.NoError(t, m.StartAndWait(context.Background(), nil))

		err = s.wait(t)
		require.ErrorIs(t, err, task.ErrPanic)
		require.ErrorIs(t, err, errBoom)
	})
}

func TestUpdateContext(t *testing.T) {
	t.Parallel()

	def := NewBuilder[tally]("updates").
		Initial("s").
		React("s", "ADD", All(func(ctx context.Context, run *Run[tally], ev bus.Event) error {
			n, _ := ev.Payload.(int)

			return run.UpdateContext(ctx, func(c *tally) {
				c.N += n
				c.Log = append(c.Log, "add")
			})
		})).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "updates")
	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), tally{}))

	run, ok := m.Current()
	require.True(t, ok)

	before := run.Context()

	publish(t, b, "ADD", 2)

	changed := skipTo(t, notes, EventContextChanged)
	assert.Equal(t, tally{N: 2, Log: []string{"add"}}, changed.Context)
	assert.Equal(t, "s", changed.State)

	publish(t, b, "ADD", 3)

	changed = skipTo(t, notes, EventContextChanged)
	assert.Equal(t, tally{N: 5, Log: []string{"add", "add"}}, changed.Context)

	assert.Equal(t, tally{}, before, "earlier snapshots are not mutated")

	require.NoError(t, run.SetContext(context.Background(), tally{N: 42}))

	_, c := m.Snapshot()
	assert.Equal(t, 42, c.N)
}

func TestStaleRunIsRejected(t *testing.T) {
	t.Parallel()

	type captured struct {
		ctx context.Context //nolint:containedctx
		run *Run[tally]
	}

	captures := make(chan captured, 2)

	def := NewBuilder[tally]("stale").
		Initial("a").
		OnEntry("a", func(ctx context.Context, run *Run[tally]) error {
			captures <- captured{ctx: ctx, run: run}
			<-ctx.Done()

			return nil
		}).
		On("a", "GO", To[tally]("b")).
		On("b", "BACK", To[tally]("a")).
		MustBuild()

	b := newBus(t)

	m, err := New(b, def, testOptions(t)...)
	require.NoError(t, err)

	notes := watch(t, b, "stale")
	late := b.Subscribe(bus.Types("LATE"))
	t.Cleanup(late.Close)

	supervise(t, m)

	require.NoError(t, m.StartAndWait(context.Background(), tally{N: 1}))

	first := <-captures

	publish(t, b, "GO", nil)
	skipTo(t, notes, EventStateChanged)

	// The state that emitted these has been left.
	require.ErrorIs(t, first.run.Publish(first.ctx, bus.New("LATE", nil)), ErrStaleRun)
	require.ErrorIs(t, first.run.UpdateContext(first.ctx, func(c *tally) { c.N = 99 }), ErrStaleRun)
	assert.Zero(t, late.Pending())

	_, c := m.Snapshot()
	assert.Equal(t, 1, c.N)

	// Across a restart the old run is over for good.
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.StartAndWait(context.Background(), tally{}))

	second := <-captures
	assert.NotEqual(t, first.run.ID(), second.run.ID())
	assert.True(t, first.run.Ended())
	assert.False(t, second.run.Ended())

	require.ErrorIs(t, first.run.Publish(context.Background(), bus.New("LATE", nil)), ErrStaleRun)
	require.ErrorIs(t, first.run.SetContext(context.Background(), tally{N: 99}), ErrStaleRun)
	assert.Zero(t, late.Pending())

	require.NoError(t, second.run.Publish(context.Background(), bus.New("LATE", nil)))
	assert.Equal(t, 1, late.Pending())

	assert.GreaterOrEqual(t, testutil.ToFloat64(staleEventsTotal.WithLabelValues("stale", "publish")), 2.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(staleEventsTotal.WithLabelValues("stale", "context")), 2.0)
}
