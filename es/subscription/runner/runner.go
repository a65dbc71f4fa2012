// Package runner runs long-lived workers side by side until the context is cancelled.
// It is storage-agnostic: coordination between processes happens in the subscription
// store, so several runners may host the same workers.
package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoWorkers indicates that no workers were provided to run.
	ErrNoWorkers = errors.New("no workers provided")
)

// Worker is a named loop that runs until its context is cancelled.
type Worker interface {
	// Name identifies the worker in errors and logs.
	Name() string

	// Run blocks until ctx is cancelled or the worker fails.
	Run(ctx context.Context) error
}

// Runner orchestrates multiple workers concurrently.
//
// Example:
//
//	d1, err := subscription.NewDispatcher(events, subs, registry, config)
//	if err != nil {
//		return err
//	}
//	d2, err := subscription.NewDispatcher(events, subs, registry, config)
//	if err != nil {
//		return err
//	}
//
//	err = runner.New().Run(ctx, []runner.Worker{d1, d2})
type Runner struct{}

// New creates a new runner.
func New() *Runner {
	return &Runner{}
}

// Run runs every worker in its own goroutine until ctx is cancelled.
//
// If a worker returns an error, all other workers are cancelled and that error is
// returned. Cancellation or expiry of ctx is not a failure: Run then returns ctx.Err()
// once every worker has stopped.
func (r *Runner) Run(ctx context.Context, workers []Worker) error {
	if len(workers) == 0 {
		return ErrNoWorkers
	}

	for i, w := range workers {
		if w == nil {
			return fmt.Errorf("worker at index %d is nil", i)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		group.Go(func() error {
			err := w.Run(gctx)
			// Only report errors that aren't from context cancellation
			if err == nil || (gctx.Err() != nil && errors.Is(err, gctx.Err())) {
				return nil
			}
			return fmt.Errorf("worker %q failed: %w", w.Name(), err)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
