package errors

import (
	"context"
	"fmt"
	"time"

	"workshopd/internal/logging"
)

// RetryConfig configures retry behavior.
//
// Backoff is linear: the wait before attempt n (1-based) is BaseDelay * n.
// External-tool failures tend to clear on their own schedule, so there is no
// point in exponential growth across five attempts.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default: 5)
	BaseDelay   time.Duration // linear backoff unit (default: 2s)
}

// DefaultRetryConfig returns the defaults used for steam tool invocations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
	}
}

// AttemptFunc runs one attempt. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// Retry executes fn up to MaxAttempts times, sleeping BaseDelay*attempt
// between attempts. Non-transient errors stop the loop immediately.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn AttemptFunc) error {
	logger = logging.OrNop(logger)
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		default:
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info("succeeded on attempt %d/%d", attempt, config.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			logger.Debug("attempt %d failed with non-retryable error: %v", attempt, err)
			return err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("all %d attempts exhausted: %v", config.MaxAttempts, err)
			break
		}

		delay := config.BaseDelay * time.Duration(attempt)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}
