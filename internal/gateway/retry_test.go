package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if !policy.ShouldRetry(errors.New("database is locked (5) (SQLITE_BUSY)"), 1) {
		t.Error("expected lock contention to be retryable")
	}
	if policy.ShouldRetry(errors.New("database is locked"), 3) {
		t.Error("should not retry after max attempts")
	}

	delay := policy.NextDelay(1)
	if delay != 100*time.Millisecond {
		t.Errorf("expected 100ms delay, got %v", delay)
	}
	delay = policy.NextDelay(2)
	if delay != 200*time.Millisecond {
		t.Errorf("expected 200ms delay, got %v", delay)
	}
	delay = policy.NextDelay(10)
	if delay != 2*time.Second {
		t.Errorf("expected capped delay, got %v", delay)
	}
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	for _, err := range []error{
		errors.New("chat id is required"),
		context.Canceled,
		context.DeadlineExceeded,
		nil,
	} {
		if policy.ShouldRetry(err, 1) {
			t.Errorf("expected %v to be non-retryable", err)
		}
	}
}

func TestRetryPolicyExecute(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	err := policy.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	attempts = 0
	err = policy.Execute(context.Background(), func() error {
		attempts++
		return errors.New("invalid config")
	})
	if err == nil || attempts != 1 {
		t.Errorf("permanent error should not be retried: %d attempts, %v", attempts, err)
	}
}

func TestRetryPolicyExecuteStopsOnCancel(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, Multiplier: 1, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Execute(ctx, func() error { return errors.New("busy") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
