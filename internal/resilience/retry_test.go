package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 3}, func() (error, bool) {
		calls++
		return nil, true
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}, func() (error, bool) {
		calls++
		if calls < 3 {
			return errBoom, true
		}
		return nil, true
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}, func() (error, bool) {
		calls++
		return errBoom, true
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
	}, func() (error, bool) {
		calls++
		return errBoom, false
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want errBoom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors must not retry)", calls)
	}
}

func TestRetry_HonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Hour,
	}, func() (error, bool) {
		return errBoom, true
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRetry_ReportsAttempts(t *testing.T) {
	t.Parallel()
	var attempts []int
	_ = Retry(context.Background(), RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		OnRetry: func(attempt int, err error) {
			attempts = append(attempts, attempt)
		},
	}, func() (error, bool) {
		return errBoom, true
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
}
