// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// ErrExhaustedRetries wraps the last failure after all attempts are spent.
var ErrExhaustedRetries = errors.New("retries exhausted")

// ErrRateLimited marks a rate-limit rejection from a dependency.
// Callers wrap provider-specific 429-style errors with this sentinel so
// the retry loop treats them as transient.
var ErrRateLimited = errors.New("rate limited")

// RetryConfig controls the backoff schedule for retried operations.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1. Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Subsequent delays
	// double: min(MaxDelay, BaseDelay * 2^(attempt-1)). Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 10s.
	MaxDelay time.Duration

	// Jitter randomizes each delay by up to ±50% to avoid thundering
	// herds when several pipelines retry the same dependency.
	Jitter bool
}

// DefaultRetryConfig returns the schedule used for all pipeline calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// applyDefaults fills zero values so a partially built config is usable.
func (c RetryConfig) applyDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Delay returns the backoff before the given retry attempt (1-based),
// without jitter. Exposed so tests can assert the schedule is
// non-decreasing and bounded.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.BaseDelay << uint(attempt-1)
	if d > c.MaxDelay || d <= 0 {
		return c.MaxDelay
	}
	return d
}

// transientError marks an error as retryable regardless of its type.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so the retry loop treats it as transient.
// Adapters use this for provider errors that do not surface as net errors
// (e.g. an HTTP 503 body from a model gateway).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err belongs to the designated set of
// retryable failure kinds: timeouts, refused connections, rate limits,
// and anything explicitly marked via MarkTransient.
//
// Context cancellation is never transient: the caller has given up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Do executes op with retry and circuit-breaker protection.
//
// # Description
//
// Each attempt first consults the breaker: an open circuit fails
// immediately with ErrCircuitOpen and no network attempt. Transient
// failures are retried on the backoff schedule; non-transient failures
// propagate at once. When attempts are exhausted, the last failure is
// wrapped with ErrExhaustedRetries so callers can distinguish "tried and
// gave up" from a single hard failure.
//
// # Inputs
//
//   - ctx: bounds the whole operation including backoff sleeps.
//   - cfg: the retry schedule. Zero fields get defaults.
//   - breaker: the breaker for the dependency being called. May be nil
//     for callers that manage breakers themselves.
//   - op: the external-call operation. Must have no side effects beyond
//     the external system.
func Do(ctx context.Context, cfg RetryConfig, breaker *Breaker, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, cfg, breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, cfg RetryConfig, breaker *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.applyDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoffDelay(cfg, attempt-1)); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if breaker != nil && !breaker.Allow() {
			return zero, fmt.Errorf("%s: %w", breaker.Name(), ErrCircuitOpen)
		}

		v, err := op(ctx)
		if breaker != nil {
			breaker.Record(err)
		}
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, cfg.MaxAttempts, lastErr)
}

// backoffDelay computes the sleep before retry `attempt` (1-based),
// applying jitter when configured.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.Delay(attempt)
	if cfg.Jitter {
		// ±50%, still capped: jitter must not push past MaxDelay.
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(d)+1))
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	}
	return d
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
