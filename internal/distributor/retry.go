package distributor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig bounds retries of idempotent operations against a
// distributor.
type RetryConfig struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	// BaseDelay is doubled after each failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the retry policy used for Return and Sync.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// RetryIdempotent runs fn with backoff until it succeeds, fails with a
// non-transient error, or exhausts the attempt budget. Only idempotent
// operations (Return, ReleaseHold, Sync) may go through here; a
// non-idempotent operation like Checkout must re-check remote state via
// Sync instead of blindly retrying.
func RetryIdempotent(ctx context.Context, logger zerolog.Logger, cfg RetryConfig, op string, fn func(context.Context) error) error {
	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("transient distributor failure, retrying")

		select {
		case <-ctx.Done():
			return WrapError(KindTransient, "canceled while waiting to retry", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return Escalate(lastErr)
}
