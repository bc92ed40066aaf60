package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the fraction of each delay that is randomized, in [0,1].
	Jitter float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

/*
Permanent marks err as not worth retrying. RetryWithBackoff returns the
wrapped error immediately.
*/
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

/*
Delay returns the wait before the given zero-based retry attempt, including
jitter.
*/
func (config *RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(config.InitialDelay)

	for i := 0; i < attempt; i++ {
		delay *= config.BackoffFactor

		if delay > float64(config.MaxDelay) {
			delay = float64(config.MaxDelay)
			break
		}
	}

	if config.Jitter > 0 {
		spread := delay * config.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}

	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}

// RetryWithBackoff executes fn with exponential backoff until it succeeds, the
// attempts are used up, fn returns a Permanent error, or ctx is done.
func RetryWithBackoff(ctx context.Context, config *RetryConfig, fn func(attempt int) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	attempts := max(config.MaxAttempts, 1)

	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}

		var perm *permanentError

		if stderrors.As(err, &perm) {
			return perm.err
		}

		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(config.Delay(attempt))

		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("after %d attempts, last error: %w", attempts, err)
}
