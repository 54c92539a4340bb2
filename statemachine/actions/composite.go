// Package actions composes statemachine handlers: sequences, fallbacks,
// conditional branches, retries and parallel fan-out. The results are plain
// handlers, usable as transition commands, reaction handlers or, through
// Activity, as entry and exit activities.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/amp-labs/sigma/statemachine"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBothActionsFailed is returned when both primary and fallback handlers fail.
	ErrBothActionsFailed = errors.New("both primary and fallback actions failed")
	// ErrBranchFailed is returned when the handler of a conditional branch fails.
	ErrBranchFailed = errors.New("branch failed")
	// ErrActionFailedAfterRetries is returned when a handler fails after all retry attempts.
	ErrActionFailedAfterRetries = errors.New("action failed after retries")
	// ErrSomeActionsFailed is returned when some parallel handlers fail.
	ErrSomeActionsFailed = errors.New("some actions failed")
	// ErrStepFailed is returned when a step in a sequence fails.
	ErrStepFailed = errors.New("step failed")
)

// Sequence runs handlers in order and stops at the first failure.
func Sequence[C any](handlers ...statemachine.Handler[C]) statemachine.Handler[C] {
	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		for idx, h := range handlers {
			if err := h(ctx, run, ev); err != nil {
				return fmt.Errorf("%w %d: %w", ErrStepFailed, idx, err)
			}
		}

		return nil
	}
}

// TryWithFallback runs primary and, if it fails, fallback.
//
// Example:
//
//	load := actions.TryWithFallback(fetchRemote, readCache)
func TryWithFallback[C any](primary, fallback statemachine.Handler[C]) statemachine.Handler[C] {
	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		err := primary(ctx, run, ev)
		if err == nil {
			return nil
		}

		if fallbackErr := fallback(ctx, run, ev); fallbackErr != nil {
			return fmt.Errorf("%w: primary=%w, fallback=%w", ErrBothActionsFailed, err, fallbackErr)
		}

		return nil
	}
}

// Branch pairs a guard with the handler to run when it matches.
type Branch[C any] struct {
	When statemachine.Guard[C]
	Then statemachine.Handler[C]
}

// ConditionalBranch runs the handler of the first branch whose guard matches
// the event and the current context. When none matches, otherwise runs; it
// may be nil.
func ConditionalBranch[C any](branches []Branch[C], otherwise statemachine.Handler[C]) statemachine.Handler[C] {
	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		for i, branch := range branches {
			ok, err := branch.When(ctx, ev, run.Context())
			if err != nil {
				return fmt.Errorf("evaluating branch %d: %w", i, err)
			}

			if !ok {
				continue
			}

			if err := branch.Then(ctx, run, ev); err != nil {
				return fmt.Errorf("%w %d: %w", ErrBranchFailed, i, err)
			}

			return nil
		}

		if otherwise == nil {
			return nil
		}

		if err := otherwise(ctx, run, ev); err != nil {
			return fmt.Errorf("default %w: %w", ErrBranchFailed, err)
		}

		return nil
	}
}

// Backoff configures RetryWithBackoff. Zero fields take defaults.
type Backoff struct {
	// MaxAttempts is the total number of attempts, 3 by default.
	MaxAttempts int
	// InitialDelay is the wait after the first failure, 1s by default.
	InitialDelay time.Duration
	// MaxDelay caps the wait, 30s by default.
	MaxDelay time.Duration
	// Multiplier grows the wait after every failure, 2 by default.
	Multiplier float64
	// RetryIf reports whether an error is worth retrying. Nil retries all.
	RetryIf func(error) bool
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxAttempts == 0 {
		b.MaxAttempts = 3
	}

	if b.InitialDelay == 0 {
		b.InitialDelay = 1 * time.Second
	}

	if b.MaxDelay == 0 {
		b.MaxDelay = 30 * time.Second //nolint:mnd
	}

	if b.Multiplier == 0 {
		b.Multiplier = 2.0
	}

	return b
}

// RetryWithBackoff retries h with exponential backoff. Waiting stops when
// ctx is done, which happens when the state running h is left.
func RetryWithBackoff[C any](h statemachine.Handler[C], backoff Backoff) statemachine.Handler[C] {
	backoff = backoff.withDefaults()

	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		delay := backoff.InitialDelay

		var lastErr error

		for attempt := 1; attempt <= backoff.MaxAttempts; attempt++ {
			lastErr = h(ctx, run, ev)
			if lastErr == nil {
				return nil
			}

			if backoff.RetryIf != nil && !backoff.RetryIf(lastErr) {
				return lastErr
			}

			if attempt == backoff.MaxAttempts {
				break
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()

				return ctx.Err()
			case <-timer.C:
			}

			delay = min(time.Duration(float64(delay)*backoff.Multiplier), backoff.MaxDelay)
		}

		return fmt.Errorf("%w: %d attempts: %w", ErrActionFailedAfterRetries, backoff.MaxAttempts, lastErr)
	}
}

// Parallel runs all handlers concurrently and waits for them. Every handler
// runs to completion regardless of the others; failures are joined.
func Parallel[C any](handlers ...statemachine.Handler[C]) statemachine.Handler[C] {
	return func(ctx context.Context, run *statemachine.Run[C], ev bus.Event) error {
		var group errgroup.Group

		errs := make([]error, len(handlers))

		for i, h := range handlers {
			group.Go(func() error {
				if err := h(ctx, run, ev); err != nil {
					errs[i] = fmt.Errorf("action %d: %w", i, err)
				}

				return nil
			})
		}

		_ = group.Wait()

		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("%w: %w", ErrSomeActionsFailed, err)
		}

		return nil
	}
}

// Activity adapts a handler into an entry or exit activity. The handler sees
// an event of type typ with no payload.
func Activity[C any](typ string, h statemachine.Handler[C]) statemachine.Activity[C] {
	return func(ctx context.Context, run *statemachine.Run[C]) error {
		return h(ctx, run, bus.New(typ, nil))
	}
}
