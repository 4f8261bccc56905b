package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/observability"
)

// ErrPanic wraps values recovered from a panicking task.
var ErrPanic = errors.New("task panicked")

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged and never propagate to the caller.
//
// Example:
//
//	SafeGo(ctx, logger, 10*time.Minute, "startup rollover", func(ctx context.Context) error {
//	    _, err := roller.Run(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := run(ctx, fn); err != nil {
			logger.WithField("task", taskName).WithError(err).Error("Background task failed")
		}
	}()
}

// Batch runs fn for every item with at most workers tasks in flight.
// Each task gets its own timeout derived from ctx. A failing item never
// stops the others; every error is returned. Items not started before ctx
// is cancelled report ctx.Err().
//
// Example:
//
//	errs := Batch(ctx, ids, 8, 30*time.Second, func(ctx context.Context, id string) error {
//	    return roll(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(err)
			continue
		}
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := run(taskCtx, func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}
