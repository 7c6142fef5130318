package registry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// retryConfig controls the exponential backoff behavior for retryWithBackoff.
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxAttempts:  3,
		initialDelay: 300 * time.Millisecond,
		maxDelay:     3 * time.Second,
		multiplier:   2.0,
	}
}

// retryWithBackoff retries fn with exponential backoff and ±25% jitter.
// Only transient network errors are retried; context cancellation between
// attempts stops the loop immediately.
func retryWithBackoff(ctx context.Context, cfg retryConfig, fn func() error) error {
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = 1
	}

	var lastErr error
	delay := cfg.initialDelay

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !isTransientError(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxAttempts-1 {
			break
		}

		jittered := applyJitter(delay)
		if jittered > cfg.maxDelay {
			jittered = cfg.maxDelay
		}

		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.multiplier)
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
	return lastErr
}

// applyJitter randomizes duration into [0.75, 1.25) of its value to avoid
// synchronized retry bursts.
func applyJitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// isTransientError reports whether err looks like a network failure that may
// succeed on retry: timeouts, connection resets, EOF, TLS handshake failures.
// Cancellation is never transient.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	value := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"tls handshake",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}
