package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusError is returned by the service clients for non-2xx responses.
type HTTPStatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.StatusCode, body)
}

// Transient reports whether the status is worth retrying (timeouts, rate limits, server errors).
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// ParseRetryAfter reads a Retry-After header expressed in seconds or as an HTTP date.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// Retryable classifies an error from a single external call.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return errors.Is(err, ErrTransient) || IsTimeout(err)
}

// Backoff describes a bounded exponential retry policy.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Jitter spreads the delay over [d/2, d).
	Jitter bool
}

// Delay returns how long to wait after the given 1-based attempt failed.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return b.capped(statusErr.RetryAfter)
	}
	if b.Base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.capped(time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1))))
	if b.Jitter && wait > 1 {
		return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
	}
	return wait
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	if d < 0 {
		return 0
	}
	return d
}

func (b Backoff) attempts() int {
	if b.Attempts <= 0 {
		return 1
	}
	return b.Attempts
}

// Retry runs op until it succeeds, returns a non-retryable error, or the attempt ceiling is hit.
// It returns the number of attempts made alongside the last error.
func Retry(ctx context.Context, b Backoff, op func(ctx context.Context, attempt int) error) (int, error) {
	max := b.attempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}
		err = op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !Retryable(err) || attempt == max {
			return attempt, err
		}
		if sleepErr := Sleep(ctx, b.Delay(attempt, err)); sleepErr != nil {
			return attempt, err
		}
	}
	return max, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
