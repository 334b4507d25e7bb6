package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), Backoff{Attempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &HTTPStatusError{Service: "tts", StatusCode: http.StatusTooManyRequests}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", attempts, calls)
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), Backoff{Attempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return &HTTPStatusError{Service: "tts", StatusCode: http.StatusUnauthorized}
	})
	if err == nil || attempts != 1 || calls != 1 {
		t.Fatalf("expected single failing attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestRetryHonorsCeiling(t *testing.T) {
	attempts, err := Retry(context.Background(), Backoff{Attempts: 4}, func(ctx context.Context, attempt int) error {
		return context.DeadlineExceeded
	})
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second}
	if d := b.Delay(1, nil); d != time.Second {
		t.Fatalf("attempt 1 delay = %s", d)
	}
	if d := b.Delay(3, nil); d != 4*time.Second {
		t.Fatalf("attempt 3 delay = %s", d)
	}
	if d := b.Delay(10, nil); d != 8*time.Second {
		t.Fatalf("delay must be capped, got %s", d)
	}
	retryAfter := &HTTPStatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second}
	if d := b.Delay(1, retryAfter); d != 2*time.Second {
		t.Fatalf("Retry-After must win, got %s", d)
	}

	jittered := Backoff{Base: time.Second, Max: 8 * time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(2, nil)
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("3"); d != 3*time.Second {
		t.Fatalf("ParseRetryAfter(3) = %s", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Fatalf("empty header should yield 0, got %s", d)
	}
	if d := ParseRetryAfter("-1"); d != 0 {
		t.Fatalf("negative header should yield 0, got %s", d)
	}
}
