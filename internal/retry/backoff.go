// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hupe1980/mailagent/logging"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           `koanf:"max_retries"` // Retries after the first attempt
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"` // up to ±10% random jitter
}

// Result describes how an operation fared across attempts.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// DefaultConfig returns a retry configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do executes op until it succeeds, the retries are exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, logger logging.Logger) Result {
	logger = logging.OrNoOp(logger)
	start := time.Now()
	res := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			res.Success = true
			res.LastError = nil
			res.TotalDuration = time.Since(start)
			if attempt > 0 {
				logger.Debug("retry.succeeded", "attempts", res.Attempts, "duration", res.TotalDuration)
			}
			return res
		}
		res.LastError = err

		if attempt >= cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			res.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(cfg, attempt)
		logger.Debug("retry.backoff", "attempt", res.Attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			res.LastError = ctx.Err()
			res.TotalDuration = time.Since(start)
			return res
		case <-time.After(delay):
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

// calculateDelay computes baseDelay * multiplier^attempt capped at MaxDelay.
func calculateDelay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}
