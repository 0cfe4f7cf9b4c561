package downloader

import (
	"context"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// RetryConfigFromPolicy maps an acquisition policy onto a retry schedule.
func RetryConfigFromPolicy(p domain.AcquisitionPolicy) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:   p.RetryCount,
		InitialDelay:  p.RetryDelay,
		MaxDelay:      p.MaxRetryDelay,
		BackoffFactor: 2.0,
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// RetryWithCheck executes a function with retry, allowing custom retry decision.
func RetryWithCheck[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(attempt int) (T, error),
	shouldRetry func(error) bool,
) (T, error) {
	var lastErr error
	var zero T

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !shouldRetry(err) {
			break
		}

		// Don't wait after the last attempt
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}
