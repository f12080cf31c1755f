package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy controls how many attempts Do makes and how long it waits between them.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries three times with 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     8 * time.Second,
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfter is implemented by errors that carry a server-provided delay
// (for example a Retry-After header on HTTP 429).
type RetryAfter interface {
	RetryAfter() time.Duration
}

// Do executes fn with exponential backoff on retryable errors.
//
// The retry logic:
//   - Attempts the function up to MaxAttempts times
//   - Uses exponential backoff starting at InitialBackoff, capped at MaxBackoff
//   - Honours a server-provided delay when the error implements RetryAfter
//   - Only retries if IsRetryable returns true
//   - Respects context cancellation during sleep
//
// Returns:
//   - nil if function succeeds on any attempt
//   - original error if not retryable
//   - "max retries exceeded" error wrapping the last error if all attempts fail
func Do(ctx context.Context, policy Policy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	backoff := policy.InitialBackoff
	var lastErr error

	for i := 0; i < policy.MaxAttempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry if error is not retryable (e.g., permission denied, not found)
		if !IsRetryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if i < policy.MaxAttempts-1 {
			wait := backoff
			var ra RetryAfter
			if errors.As(err, &ra) && ra.RetryAfter() > 0 {
				wait = ra.RetryAfter()
			}
			if policy.MaxBackoff > 0 && wait > policy.MaxBackoff {
				wait = policy.MaxBackoff
			}
			// Use a timer to respect context cancellation during backoff
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
	}

	if policy.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("max retries (%d) exceeded, last error: %w", policy.MaxAttempts, lastErr)
}

// IsRetryable determines if an error should trigger a retry.
//
// Retryable errors include:
//   - Rate limit errors (HTTP 429)
//   - Temporary upstream failures (HTTP 500, 502, 503, 504)
//   - gRPC UNAVAILABLE, RESOURCE_EXHAUSTED and DEADLINE_EXCEEDED (Pub/Sub publish)
//   - Errors containing "timeout", "connection reset" and similar transport noise
//
// Non-retryable errors include every other 4xx (401, 403, 404, 410, ...) and
// context cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Check for context cancellation - never retry these
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == 429, code == 500, code == 502, code == 503, code == 504:
			return true
		case code >= 400 && code < 600:
			return false
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		case codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.InvalidArgument:
			return false
		}
	}

	errMsg := strings.ToLower(err.Error())
	transientIndicators := []string{
		"timeout",
		"timed out",
		"temporary",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
	}

	for _, indicator := range transientIndicators {
		if strings.Contains(errMsg, indicator) {
			return true
		}
	}

	// Default to not retrying unknown errors
	return false
}
