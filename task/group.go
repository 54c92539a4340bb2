package task

import (
	"context"
	"errors"
	"sync"
)

// Group owns a set of tasks that share a lifetime, for instance everything
// spawned while a state is active. The first task failure is reported on
// Failed; cancellation errors are not failures.
type Group struct {
	ctx   context.Context //nolint:containedctx
	sched Scheduler

	mutex  sync.Mutex
	tasks  []*Task
	closed bool

	failOnce sync.Once
	failed   chan error
	wg       sync.WaitGroup
}

// NewGroup creates a group whose tasks derive from ctx.
func NewGroup(ctx context.Context, sched Scheduler) *Group {
	if sched == nil {
		sched = Goroutines{}
	}

	return &Group{
		ctx:    ctx,
		sched:  sched,
		failed: make(chan error, 1),
	}
}

// ErrGroupClosed is returned by Spawn after CancelAll.
var ErrGroupClosed = errors.New("task group closed")

// Spawn starts a task owned by the group.
func (g *Group) Spawn(name string, fn Func) (*Task, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return nil, ErrGroupClosed
	}

	t, err := Spawn(g.ctx, g.sched, name, fn)
	if err != nil {
		return nil, err
	}

	g.tasks = append(g.tasks, t)
	g.wg.Add(1)

	go g.watch(t)

	return t, nil
}

func (g *Group) watch(t *Task) {
	defer g.wg.Done()

	<-t.Done()

	err := t.Err()
	if err == nil || t.Cancelled() || errors.Is(err, context.Canceled) {
		return
	}

	g.failOnce.Do(func() {
		g.failed <- err
	})
}

// Failed receives the first task error.
func (g *Group) Failed() <-chan error {
	return g.failed
}

// Len returns the number of tasks spawned so far.
func (g *Group) Len() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return len(g.tasks)
}

// CancelAll cancels every task and waits for all of them to return. Further
// spawns are rejected.
func (g *Group) CancelAll() {
	g.mutex.Lock()
	g.closed = true
	tasks := g.tasks
	g.mutex.Unlock()

	for _, t := range tasks {
		t.cancelled.Store(true)
		t.cancel()
	}

	for _, t := range tasks {
		<-t.Done()
	}

	g.wg.Wait()
}
