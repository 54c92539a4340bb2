package statemachine

import (
	"context"
	"fmt"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/channels"
	"github.com/amp-labs/sigma/logger"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/atomic"
)

// Supervisor lifecycle.
const (
	lifecycleIdle    = "idle"
	lifecycleRunning = "running"
	lifecycleStart   = "start"
	lifecycleStop    = "stop"
)

// Machine supervises one instance of a Definition. It is idle until a start
// signal arrives, runs until a stop signal arrives (or its context is
// cancelled, or an activity fails) and then returns to idle.
type Machine[C any] struct {
	def  Definition[C]
	bus  bus.Bus
	opts options

	// Subscribed at construction, so signals published before Run are kept.
	control *bus.Subscription

	lifecycle  *fsm.FSM
	supervised atomic.Bool
	done       chan struct{}
	current    atomic.Pointer[Run[C]]
}

var _ Controller = (*Machine[struct{}])(nil)

// New validates def and creates a machine on b. The machine does nothing
// until Run is called.
func New[C any](b bus.Bus, def Definition[C], opts ...Option) (*Machine[C], error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	m := &Machine[C]{
		def:  def,
		bus:  b,
		opts: buildOptions(opts),
		done: make(chan struct{}),
	}

	m.lifecycle = fsm.NewFSM(
		lifecycleIdle,
		fsm.Events{
			{Name: lifecycleStart, Src: []string{lifecycleIdle}, Dst: lifecycleRunning},
			{Name: lifecycleStop, Src: []string{lifecycleRunning}, Dst: lifecycleIdle},
		},
		fsm.Callbacks{
			"enter_" + lifecycleRunning: func(_ context.Context, _ *fsm.Event) {
				runsActive.WithLabelValues(def.Name).Inc()
			},
			"leave_" + lifecycleRunning: func(_ context.Context, _ *fsm.Event) {
				runsActive.WithLabelValues(def.Name).Dec()
			},
		},
	)

	m.control = b.Subscribe(signalFilter(def.Name), bus.WithName(def.Name+"/control"))

	return m, nil
}

// Name returns the machine name.
func (m *Machine[C]) Name() string {
	return m.def.Name
}

// Definition returns the machine definition.
func (m *Machine[C]) Definition() Definition[C] {
	return m.def
}

// Running reports whether a run is in progress.
func (m *Machine[C]) Running() bool {
	return m.lifecycle.Is(lifecycleRunning)
}

// Supervised reports whether Run is executing.
func (m *Machine[C]) Supervised() bool {
	if !m.supervised.Load() {
		return false
	}

	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Current returns the run in progress, if any.
func (m *Machine[C]) Current() (*Run[C], bool) {
	run := m.current.Load()

	return run, run != nil
}

// Snapshot returns the current state and context. The state is empty when
// the machine is not running.
func (m *Machine[C]) Snapshot() (string, C) {
	var zero C

	run := m.current.Load()
	if run == nil {
		return "", zero
	}

	return run.State(), run.Context()
}

// Start asks the machine to start with the given initial context. It does not
// wait; starting a running machine is a no-op.
func (m *Machine[C]) Start(ctx context.Context, initial C) error {
	return m.StartAny(ctx, initial)
}

// StartAny is Start with an untyped context: a C, a *C or nil.
func (m *Machine[C]) StartAny(ctx context.Context, initial any) error {
	return m.bus.Publish(ctx, StartSignal(m.def.Name, initial))
}

// StartAndWait starts the machine and waits until the start signal has been
// processed.
func (m *Machine[C]) StartAndWait(ctx context.Context, initial any) error {
	ack := make(chan struct{})

	err := m.bus.Publish(ctx, bus.New(EventStart, Signal{Machine: m.def.Name, Context: initial, Ack: ack}))
	if err != nil {
		return err
	}

	acked, err := m.await(ctx, ack)
	if err != nil {
		return err
	}

	if !acked {
		return fmt.Errorf("%w: %s", ErrNotSupervised, m.def.Name)
	}

	return nil
}

// Stop asks the machine to stop and waits until the run has been torn down
// and the stopped notification published. Stopping an idle machine is a
// no-op. Stop blocks until a supervisor processes the signal.
//
// Called with the context of one of the machine's own activities, handlers
// or commands, Stop only sends the signal: the run cannot end before the
// caller returns.
func (m *Machine[C]) Stop(ctx context.Context) error {
	ack := make(chan struct{})

	err := m.bus.Publish(ctx, bus.New(EventStop, Signal{Machine: m.def.Name, Ack: ack}))
	if err != nil {
		return err
	}

	if m.owns(ctx) {
		return nil
	}

	_, err = m.await(ctx, ack)

	return err
}

type runOwnerKey struct{}

// owns reports whether ctx belongs to a run of m.
func (m *Machine[C]) owns(ctx context.Context) bool {
	owner, ok := ctx.Value(runOwnerKey{}).(*Machine[C])

	return ok && owner == m
}

// await waits for ack. It reports false if the supervisor exited first.
func (m *Machine[C]) await(ctx context.Context, ack chan struct{}) (bool, error) {
	select {
	case <-ack:
		return true, nil
	case <-m.done:
		select {
		case <-ack:
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run supervises the machine until ctx is cancelled. It returns the error
// that ended a run (a failed activity, reaction, guard or command) and nil
// otherwise. Run may only be called once.
func (m *Machine[C]) Run(ctx context.Context) error {
	if !m.supervised.CompareAndSwap(false, true) {
		return ErrAlreadySupervised
	}

	defer close(m.done)
	defer m.control.Close()

	ctx = logger.With(ctx, "machine", m.def.Name)

	for {
		ev, err := m.control.Next(ctx)
		if err != nil {
			// Cancelled or closed.
			return nil
		}

		sig, _ := ev.Payload.(Signal)

		switch ev.Type {
		case EventStart:
			if err := m.execute(ctx, sig); err != nil {
				return err
			}
		case EventStop:
			m.opts.logger.SignalIgnored(ctx, EventStop, "not running")
			ack(sig)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// execute performs one run, from the start signal to the end of the last
// residency.
func (m *Machine[C]) execute(ctx context.Context, sig Signal) (err error) {
	initial, err := m.initialContext(sig.Context)
	if err != nil {
		logger.Get(ctx).Error("Start signal rejected", "error", err)
		ack(sig)

		return nil
	}

	if err := m.lifecycle.Event(context.WithoutCancel(ctx), lifecycleStart); err != nil {
		m.opts.logger.SignalIgnored(ctx, EventStart, err.Error())
		ack(sig)

		return nil
	}

	runID := uuid.NewString()
	ctx = logger.With(ctx, "run_id", runID)
	ctx = context.WithValue(ctx, runOwnerKey{}, m)

	ctx, span := m.startRunSpan(ctx, runID)

	run := newRun(runID, m.def.Name, m.bus, initial, m.def.Initial)
	m.current.Store(run)

	started := func() {
		m.notify(ctx, EventStarted, Lifecycle{
			Machine: m.def.Name,
			RunID:   runID,
			State:   m.def.Initial,
			Context: initial,
		})
		m.opts.logger.RunStarted(ctx, m.def.Initial)
		ack(sig)
	}

	stop, err := m.loop(ctx, run, started)

	// Normally acked on entering the initial state already.
	ack(sig)

	final := run.State()

	run.end()
	m.current.Store(nil)

	if lerr := m.lifecycle.Event(context.WithoutCancel(ctx), lifecycleStop); lerr != nil {
		logger.Get(ctx).Error("Lifecycle out of sync", "error", lerr)
	}

	outcome := outcomeOf(err)
	if err == nil && stop == nil {
		outcome = outcomeCancelled
	}

	runsTotal.WithLabelValues(m.def.Name, outcome).Inc()

	m.notify(ctx, EventStopped, Lifecycle{
		Machine: m.def.Name,
		RunID:   runID,
		From:    final,
	})
	m.opts.logger.RunStopped(ctx, final, err)
	endSpan(span, err)

	if stop != nil {
		ack(*stop)
	}

	return err
}

// loop runs residencies until the run terminates. announce is called by each
// residency once it listens for events, before anything of the state runs.
func (m *Machine[C]) loop(ctx context.Context, run *Run[C], announce func()) (*Signal, error) {
	for {
		res, err := m.reside(ctx, run, announce)
		if err != nil {
			return res.stop, err
		}

		if res.transition == nil {
			return res.stop, nil
		}

		out := *res.transition
		from := run.State()

		stop, err := m.transition(ctx, run, out)
		if err != nil {
			return nil, err
		}

		if stop != nil {
			// Stopped mid-transition: the target is never entered.
			return stop, nil
		}

		announce = func() {
			m.notify(ctx, EventStateChanged, Lifecycle{
				Machine: m.def.Name,
				RunID:   run.ID(),
				From:    from,
				State:   out.target,
				Event:   out.event.Type,
			})
		}
	}
}

// transition runs the commands of out and moves to its target. The previous
// state has been torn down already; the target has not been entered yet and
// its state-changed notification is published by the next residency.
//
// A stop signal arriving while the commands run cancels their context. The
// signal is returned and the run stays in the source state.
func (m *Machine[C]) transition(ctx context.Context, run *Run[C], out outcome[C]) (*Signal, error) {
	from := run.State()

	spanCtx, span := m.startCommandSpan(ctx, from, out.target, out.event.Type)
	cmdCtx, cancelCommands := context.WithCancel(spanCtx)

	var stop *Signal

	watched := make(chan struct{})

	go func() {
		defer close(watched)

		if stop = m.awaitStop(cmdCtx); stop != nil {
			cancelCommands()
		}
	}()

	var err error

	for i, cmd := range out.commands {
		err = protect(fmt.Sprintf("command[%d]", i), func() error {
			return cmd(cmdCtx, run, out.event)
		})
		if err != nil {
			break
		}
	}

	cancelCommands()
	<-watched

	if stop == nil {
		stop, _ = m.pollControl(ctx)
	}

	endSpan(span, err)

	if stop != nil {
		logger.Get(ctx).Info("Stopped during transition", "from", from, "to", out.target, "event", out.event.Type)

		return stop, nil
	}

	if err != nil {
		return nil, WrapTransitionError(m.def.Name, from, out.target, out.event.Type, err)
	}

	run.setState(out.target)

	transitionsTotal.WithLabelValues(m.def.Name, from, out.target, out.event.Type).Inc()
	m.opts.logger.TransitionExecuted(ctx, from, out.target, out.event.Type)

	return nil, nil
}

// awaitStop blocks until a stop signal arrives or ctx is done.
func (m *Machine[C]) awaitStop(ctx context.Context) *Signal {
	for {
		if stop, ok := m.pollControl(ctx); ok {
			return stop
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.control.Ready():
		}
	}
}

// notify publishes a lifecycle notification, even on a cancelled context.
func (m *Machine[C]) notify(ctx context.Context, typ string, lc Lifecycle) {
	if err := m.bus.Publish(context.WithoutCancel(ctx), bus.New(typ, lc)); err != nil {
		logger.Get(ctx).Warn("Failed to publish lifecycle event", "event", typ, "error", err)
	}
}

func (m *Machine[C]) initialContext(v any) (C, error) {
	var src C

	switch c := v.(type) {
	case nil:
		return src, nil
	case C:
		src = c
	case *C:
		if c == nil {
			return src, nil
		}

		src = *c
	default:
		return src, fmt.Errorf("%w: %T for machine %s", ErrContextType, v, m.def.Name)
	}

	var out C

	if err := deepcopy.Copy(&out, src); err != nil {
		return out, fmt.Errorf("copying initial context: %w", err)
	}

	return out, nil
}

func ack(sig Signal) {
	if sig.Ack != nil {
		channels.CloseChannelIgnorePanic[struct{}](sig.Ack)
	}
}

// protect calls fn, converting a panic into an error.
func protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(name, r)
		}
	}()

	return fn()
}
