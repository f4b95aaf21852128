package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyBackoffIsLinear(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond}

	cases := map[int]time.Duration{
		0: 0,
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		3: 30 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetryPolicyDoSucceedsFirstTime(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	calls := 0

	n, err := p.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got n=%d calls=%d", n, calls)
	}
}

func TestRetryPolicyDoEventualSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	var seen []int

	n, err := p.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("unexpected attempt numbers: %v", seen)
	}
}

func TestRetryPolicyDoExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	want := errors.New("persistent")
	calls := 0

	n, err := p.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if n != 3 || calls != 3 {
		t.Errorf("expected exactly 3 attempts, got n=%d calls=%d", n, calls)
	}
}

func TestRetryPolicyDoCancelledDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, "test", func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return errors.New("boom")
		})
		done <- err
	}()

	select {
	case err := <-done:
		var cancelErr *CancellationError
		if !errors.As(err, &cancelErr) {
			t.Fatalf("expected CancellationError, got %T: %v", err, err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled cause, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 attempt before cancellation, got %d", calls)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not stop after cancellation")
	}
}

func TestRetryPolicyDoAlreadyCancelled(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := p.Do(ctx, "test", func(ctx context.Context, attempt int) error {
		t.Fatal("attempt should not run with a cancelled context")
		return nil
	})
	if n != 0 {
		t.Errorf("expected 0 attempts, got %d", n)
	}
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
}
