package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/bidflow/bidflow/pkg/schema"
)

// RetryConfig tunes the retry policy around a dependency call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry; doubles each attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. Zero means no cap.
	MaxDelay time.Duration
	// JitterFraction randomizes each delay by up to this fraction in either
	// direction. Zero disables jitter.
	JitterFraction float64
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.25,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, context.DeadlineExceeded, transient
// backend responses. Non-retryable: cancellation, auth and bad-request
// failures, typed PipelineErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A deadline on the call itself is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable; the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// PipelineError checks its own code.
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())

	// Auth and malformed-request failures never recover on retry.
	permanentPatterns := []string{
		"unauthorized",
		"unauthenticated",
		"permission denied",
		"forbidden",
		"invalid api key",
		"api key not valid",
		"bad request",
		"invalid argument",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"rate limit",
		"resource exhausted",
		"overloaded",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative, the retry policy limits attempts).
	return true
}

// ClassifyError maps an arbitrary dependency error to a typed
// PipelineError with a transient or permanent code. Errors that already
// carry a code pass through unchanged.
func ClassifyError(err error) *schema.PipelineError {
	if err == nil {
		return nil
	}
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "call cancelled").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "call timed out").WithCause(err)
	}
	if IsRetryableError(err) {
		return schema.NewError(schema.ErrCodeTransientExternal, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodePermanentExternal, err.Error()).WithCause(err)
}

// ComputeBackoff calculates the delay before the retry with the given
// attempt number (0-based: attempt 0 is the delay after the first failure).
func ComputeBackoff(cfg RetryConfig, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}

	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * cfg.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	return delay
}

// WaitForBackoff sleeps for the backoff duration or returns early if the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
