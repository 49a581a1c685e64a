// Package retry provides bounded exponential backoff for transient
// failures, primarily media worker spawning.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts  int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the backoff delay
	Multiplier   float64       // exponential backoff multiplier
	Jitter       bool          // randomize delays to avoid thundering herds
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry runs fn until it succeeds, the attempt budget is spent, or the
// context is cancelled.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delay(cfg, attempt)):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

func delay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
