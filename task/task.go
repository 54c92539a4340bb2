package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/amp-labs/sigma/logger"
	"go.uber.org/atomic"
)

// ErrPanic is the base error for panics recovered from a task.
var ErrPanic = errors.New("task panicked")

// Func is the body of a task. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Task is a running, cancellable function.
type Task struct {
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	cancelled atomic.Bool
}

// Spawn starts fn on the scheduler with a child context of ctx.
func Spawn(ctx context.Context, sched Scheduler, name string, fn Func) (*Task, error) {
	if sched == nil {
		sched = Goroutines{}
	}

	ctx, cancel := context.WithCancel(ctx)

	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := sched.Go(func() { t.run(ctx, fn) }); err != nil {
		cancel()

		return nil, fmt.Errorf("spawning task %q: %w", name, err)
	}

	return t, nil
}

func (t *Task) run(ctx context.Context, fn Func) {
	defer close(t.done)
	defer t.cancel()

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())

			logger.Get(ctx).Error("task recovered from panic",
				"task", t.name,
				"panic", r,
				"stack", stack)

			if e, ok := r.(error); ok {
				t.err = fmt.Errorf("%w: %s: %w", ErrPanic, t.name, e)
			} else {
				t.err = fmt.Errorf("%w: %s: %v", ErrPanic, t.name, r)
			}
		}
	}()

	t.err = fn(ctx)
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the task context and waits for the function to return.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
	<-t.done
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}
