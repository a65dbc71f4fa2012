package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (w funcWorker) Name() string                  { return w.name }
func (w funcWorker) Run(ctx context.Context) error { return w.run(ctx) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_NoWorkers(t *testing.T) {
	err := New().Run(context.Background(), nil)
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
}

func TestRun_NilWorker(t *testing.T) {
	err := New().Run(context.Background(), []Worker{nil})
	if err == nil || !strings.Contains(err.Error(), "index 0") {
		t.Fatalf("expected nil worker error, got %v", err)
	}
}

func TestRun_CancellationStopsAllWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var stopped atomic.Int32
	worker := funcWorker{name: "w", run: func(ctx context.Context) error {
		defer stopped.Add(1)
		return blockUntilDone(ctx)
	}}

	done := make(chan error, 1)
	go func() {
		done <- New().Run(ctx, []Worker{worker, worker, worker})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
	if got := stopped.Load(); got != 3 {
		t.Errorf("expected 3 stopped workers, got %d", got)
	}
}

func TestRun_FailFast(t *testing.T) {
	boom := errors.New("boom")

	var cancelled atomic.Bool
	healthy := funcWorker{name: "healthy", run: func(ctx context.Context) error {
		err := blockUntilDone(ctx)
		cancelled.Store(true)
		return err
	}}
	failing := funcWorker{name: "failing", run: func(context.Context) error {
		return boom
	}}

	err := New().Run(context.Background(), []Worker{healthy, failing})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !strings.Contains(err.Error(), `"failing"`) {
		t.Errorf("expected worker name in error, got %q", err.Error())
	}
	if !cancelled.Load() {
		t.Error("expected healthy worker to be cancelled")
	}
}

func TestRun_WorkersReturningNil(t *testing.T) {
	w := funcWorker{name: "once", run: func(context.Context) error { return nil }}
	if err := New().Run(context.Background(), []Worker{w, w}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestRun_DeadlineIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	w := funcWorker{name: "w", run: blockUntilDone}
	err := New().Run(ctx, []Worker{w})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if strings.Contains(err.Error(), "failed") {
		t.Errorf("deadline reported as worker failure: %v", err)
	}
}
