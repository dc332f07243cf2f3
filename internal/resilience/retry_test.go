package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Name: "op"}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		Name:    "op",
		Backoff: time.Millisecond,
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		Name:     "op",
		Attempts: 2,
		Backoff:  time.Millisecond,
	}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{
		Name:    "op",
		Backoff: time.Minute,
	}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}
