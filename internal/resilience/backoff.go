package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters, shared by stream reconnect loops.
const (
	defaultMaxAttempts = 10
	defaultInitial     = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
)

// RetryConfig configures a [Retry] loop.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of attempts before giving up.
	// Defaults to 10 if zero.
	MaxAttempts int

	// Initial is the delay after the first failure. Doubles after each
	// subsequent failure up to MaxDelay. Defaults to 1s if zero.
	Initial time.Duration

	// MaxDelay is the upper limit on the delay between attempts.
	// Defaults to 30s if zero.
	MaxDelay time.Duration
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with capped exponential
// backoff between failures. It returns nil on the first success, ctx.Err() if
// the context is cancelled mid-wait, and the last error once attempts are
// exhausted.
//
// fn receives the 1-based attempt number, which callers typically only log.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := cfg.Initial
	if delay <= 0 {
		delay = defaultInitial
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		slog.Warn("operation failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", cfg.Name, maxAttempts, lastErr)
}
