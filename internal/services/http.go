package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxErrorBody = 4 << 10

// CheckResponse converts a non-2xx response into *HTTPStatusError. The body is drained
// (bounded) so the connection can be reused; resp.Body is not closed.
func CheckResponse(service string, resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPStatusError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// CallError annotates a transport error, tagging exceeded per-call deadlines with
// ErrExternalServiceTimeout.
func CallError(callCtx context.Context, service, operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || IsTimeout(err) {
		return fmt.Errorf("%s %s: %w: %w", service, operation, ErrExternalServiceTimeout, err)
	}
	return fmt.Errorf("%s %s: %w", service, operation, err)
}
