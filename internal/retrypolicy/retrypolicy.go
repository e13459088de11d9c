// Copyright 2025 James Ross

// Package retrypolicy implements C7: retry-eligibility classification and
// the three backoff shapes spec §6/§7 name (exponential, linear, fixed),
// each with multiplicative jitter. The atomic scripts (C3) only ever
// execute the decision this package makes; they never compute it.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/model"
)

// Decision is what retry_job.go needs to perform its atomic move.
type Decision struct {
	ShouldRetry bool
	NextRunAt   int64 // epoch ms, only meaningful when ShouldRetry
}

// Classify decides whether a failed attempt should be retried, given the
// job's own retry config (falling back to the instance default where a
// field is unset), the error that occurred, and the current attempt count
// already recorded on the job (spec §4.7, §6).
//
// A job is retried only if:
//   - retry.enabled is true, and
//   - attempt < maxAttempts, and
//   - the error isn't in bmerr.NonRetryableCodes and wasn't raised with
//     Retryable=false.
func Classify(retry model.RetryConfig, def model.RetryConfig, attempt int, code bmerr.Code, retryable bool, now time.Time) Decision {
	cfg := mergeDefaults(retry, def)

	if !cfg.Enabled {
		return Decision{ShouldRetry: false}
	}
	if bmerr.NonRetryableCodes[code] {
		return Decision{ShouldRetry: false}
	}
	if !retryable {
		return Decision{ShouldRetry: false}
	}
	if attempt >= cfg.MaxAttempts {
		return Decision{ShouldRetry: false}
	}

	delay := Delay(cfg, attempt)
	return Decision{ShouldRetry: true, NextRunAt: now.UnixMilli() + delay.Milliseconds()}
}

// Delay computes the backoff for the given (already-occurred) attempt
// number using cfg.Backoff, applying ±jitterFactor multiplicative jitter.
func Delay(cfg model.RetryConfig, attempt int) time.Duration {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	max := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if max <= 0 {
		max = base
	}

	var d time.Duration
	switch cfg.Backoff {
	case "linear":
		d = base * time.Duration(attempt)
	case "fixed":
		d = base
	default: // "exponential"
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > max {
				break
			}
		}
	}
	if d > max {
		d = max
	}
	if d < 0 {
		d = max
	}

	if cfg.JitterFactor <= 0 {
		return d
	}
	jitter := 1 + (rand.Float64()*2-1)*cfg.JitterFactor
	return time.Duration(float64(d) * jitter)
}

func mergeDefaults(retry, def model.RetryConfig) model.RetryConfig {
	out := retry
	if out.MaxAttempts == 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.Backoff == "" {
		out.Backoff = def.Backoff
	}
	if out.BaseDelayMs == 0 {
		out.BaseDelayMs = def.BaseDelayMs
	}
	if out.MaxDelayMs == 0 {
		out.MaxDelayMs = def.MaxDelayMs
	}
	if out.JitterFactor == 0 {
		out.JitterFactor = def.JitterFactor
	}
	if !retryWasSet(retry) {
		out.Enabled = def.Enabled
	}
	return out
}

// retryWasSet reports whether the caller supplied any retry config at all;
// an entirely zero-value RetryConfig means "use the instance default"
// rather than "disabled", matching how job configs are built (fields are
// only set when a caller explicitly overrides them).
func retryWasSet(retry model.RetryConfig) bool {
	return retry.MaxAttempts != 0 || retry.Backoff != "" || retry.BaseDelayMs != 0 ||
		retry.MaxDelayMs != 0 || retry.JitterFactor != 0
}

// DefaultFromConfig builds a model.RetryConfig from the instance-wide
// config.Retry defaults (spec §6 "falls back to instance defaults").
func DefaultFromConfig(maxAttempts int, backoff string, baseDelay, maxDelay time.Duration, jitterFactor float64, enabled bool) model.RetryConfig {
	return model.RetryConfig{
		MaxAttempts:  maxAttempts,
		Backoff:      backoff,
		BaseDelayMs:  baseDelay.Milliseconds(),
		MaxDelayMs:   maxDelay.Milliseconds(),
		JitterFactor: jitterFactor,
		Enabled:      enabled,
	}
}
