package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// IsRetryableError classifies whether a step error should be retried.
// Typed engine errors classify themselves by code. A deadline exceeded is
// retryable (per-node timeout); a cancelled context is not: the run is
// shutting down. Network errors and common transient patterns retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default to retryable; the retry policy bounds attempts.
	return true
}

var transientPatterns = []string{
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
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an
// optional max_delay cap. attempt is zero-based: the delay before the
// first retry uses attempt 0.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		if attempt > 30 {
			attempt = 30 // keep the shift sane
		}
		delay = base * time.Duration(1<<uint(attempt))
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant", "none", or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early with the
// context's error if it is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
