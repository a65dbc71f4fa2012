package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoll_ReturnsWhenDone(t *testing.T) {
	var calls int32
	done, err := Poll(context.Background(), 10*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return atomic.AddInt32(&calls, 1) == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestPoll_TimesOut(t *testing.T) {
	start := time.Now()
	done, err := Poll(context.Background(), 50*time.Millisecond, 300*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("expected timeout")
	}
	if elapsed < 250*time.Millisecond || elapsed > 550*time.Millisecond {
		t.Errorf("expected ~300ms, took %v", elapsed)
	}
}

func TestPoll_PacesAttempts(t *testing.T) {
	var calls int32
	_, _ = Poll(context.Background(), 100*time.Millisecond, 350*time.Millisecond, func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return false, nil
	})
	// attempts at ~0, 100, 200, 300 and a final one at the deadline
	if calls < 3 || calls > 6 {
		t.Errorf("expected paced attempts, got %d", calls)
	}
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Poll(ctx, 20*time.Millisecond, 5*time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not return promptly")
	}
}

func TestPoll_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Poll(context.Background(), 10*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
