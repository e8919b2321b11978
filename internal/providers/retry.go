package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from a provider API. RetryAfter carries the
// server-requested backoff when the response included a Retry-After header.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status indicates a transient condition.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryConfig controls the exponential backoff applied to provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches typical provider rate-limit windows.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryDo runs fn with exponential backoff plus jitter. Only retryable HTTP
// errors and transport errors are retried; everything else fails immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt, lastErr)
			slog.Debug("provider retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func backoffDelay(cfg RetryConfig, attempt int, lastErr error) time.Duration {
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
		return min(httpErr.RetryAfter, cfg.MaxDelay)
	}
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// Up to 25% jitter to avoid thundering herds on shared rate limits.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or HTTP
// date). Returns zero when absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
