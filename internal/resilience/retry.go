package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Default retry parameters.
const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultRetryMax      = 10 * time.Second
)

// RetryConfig tunes a [Retry] run.
type RetryConfig struct {
	// Name labels the operation in log messages.
	Name string

	// Attempts is the total number of tries, first call included.
	// Default: 3.
	Attempts int

	// Backoff is the delay before the second attempt; it doubles each
	// retry up to MaxBackoff. Default: 500ms.
	Backoff time.Duration

	// MaxBackoff caps the per-retry delay. Default: 10s.
	MaxBackoff time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. Delays between attempts grow exponentially with full jitter,
// so a burst of callers hitting the same failing dependency spreads out
// instead of retrying in lockstep.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultRetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := rand.N(backoff) // full jitter: [0, backoff)
		slog.Warn("operation failed, retrying",
			"name", cfg.Name, "attempt", attempt, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("%s: %d attempts: %w", cfg.Name, attempts, lastErr)
}
