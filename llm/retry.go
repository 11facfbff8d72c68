package llm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

const (
	maxCallAttempts = 3
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 5 * time.Second
)

// isTransient reports whether a provider error is worth retrying.
// Context expiry and cancellation are never retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "timeout", "timed out",
		"connection reset", "connection refused", "temporarily",
		"502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withRetry runs fn with jittered exponential backoff on transient errors
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	backoff := baseBackoff
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == maxCallAttempts {
			return zero, err
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return zero, lastErr
}
