// Package guard races a unit of work against a deadline.
//
// The work runs in its own goroutine and receives a context that is cancelled as soon
// as the guard stops waiting for it, whether because the deadline passed or because
// the caller's context was cancelled. The guard never waits for the work to notice:
// well-behaved work returns early and releases what it holds, and any result it still
// produces is discarded.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when the deadline passes before the work finishes.
	ErrTimeout = errors.New("timeout")
	// ErrInterrupted is returned when the caller's context ends while waiting.
	ErrInterrupted = errors.New("guard interrupted")
)

// Error wraps a failure raised by the guarded work. Its message is the work's own message.
type Error struct {
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

type result[T any] struct {
	value T
	err   error
}

// Execute runs work and waits for it for at most timeout. A timeout <= 0 waits until
// the work finishes or ctx is done.
func Execute[T any](ctx context.Context, timeout time.Duration, work func(ctx context.Context) (T, error)) (T, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned worker can still deliver and exit.
	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: fmt.Errorf("panic: %v", p)}
			}
			done <- r
		}()
		r.value, r.err = work(workCtx)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return r.value, wrap(r.err)
		}
		return r.value, nil
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// Run is Execute for work without a result.
func Run(ctx context.Context, timeout time.Duration, work func(ctx context.Context) error) error {
	_, err := Execute(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

func wrap(err error) error {
	var ge *Error
	if errors.As(err, &ge) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrInterrupted) {
		return err
	}
	return &Error{Err: err}
}
