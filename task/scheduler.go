// Package task runs cancellable background work on an injectable scheduler.
package task

import (
	"errors"

	"github.com/alitto/pond/v2"
)

// ErrSchedulerStopped is returned when submitting to a stopped scheduler.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Scheduler runs functions concurrently.
type Scheduler interface {
	// Go runs fn asynchronously. It must not block waiting for fn.
	Go(fn func()) error
}

// Goroutines is a scheduler that starts one goroutine per function.
type Goroutines struct{}

// Go implements Scheduler.
func (Goroutines) Go(fn func()) error {
	go fn()

	return nil
}

// PoolScheduler runs functions on a pond worker pool.
//
// Tasks in a statechart are long-lived (they wait for events), so a bounded
// pool only makes sense when its size exceeds the number of concurrently
// running activities and reactions. Excess tasks queue until a worker frees up.
type PoolScheduler struct {
	pool pond.Pool
}

// NewPoolScheduler creates a scheduler backed by a pond pool. A size <= 0
// gives an unbounded pool.
func NewPoolScheduler(size int) *PoolScheduler {
	if size < 0 {
		size = 0
	}

	return &PoolScheduler{pool: pond.NewPool(size)}
}

// Go implements Scheduler.
func (p *PoolScheduler) Go(fn func()) error {
	if err := p.pool.Go(fn); err != nil {
		return errors.Join(ErrSchedulerStopped, err)
	}

	return nil
}

// Running returns the number of functions currently executing.
func (p *PoolScheduler) Running() int64 {
	return p.pool.RunningWorkers()
}

// Stop waits for running functions to return and rejects new ones.
func (p *PoolScheduler) Stop() {
	p.pool.StopAndWait()
}

// Default returns a scheduler backed by an unbounded pool.
func Default() Scheduler {
	return NewPoolScheduler(0)
}
