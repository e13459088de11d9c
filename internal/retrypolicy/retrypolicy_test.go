// Copyright 2025 James Ross
package retrypolicy

import (
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestClassifyRetriesWithinMaxAttempts(t *testing.T) {
	def := model.RetryConfig{MaxAttempts: 5, Backoff: "fixed", BaseDelayMs: 1000, Enabled: true}
	now := time.Now()

	decision := Classify(model.RetryConfig{}, def, 2, bmerr.StorageFailure, true, now)
	require.True(t, decision.ShouldRetry)
	require.Greater(t, decision.NextRunAt, now.UnixMilli())
}

func TestClassifyStopsAtMaxAttempts(t *testing.T) {
	def := model.RetryConfig{MaxAttempts: 3, Backoff: "fixed", BaseDelayMs: 1000, Enabled: true}
	decision := Classify(model.RetryConfig{}, def, 3, bmerr.StorageFailure, true, time.Now())
	require.False(t, decision.ShouldRetry)
}

func TestClassifyHonorsNonRetryableCode(t *testing.T) {
	def := model.RetryConfig{MaxAttempts: 10, Backoff: "fixed", BaseDelayMs: 1000, Enabled: true}
	decision := Classify(model.RetryConfig{}, def, 0, bmerr.InvalidPayload, true, time.Now())
	require.False(t, decision.ShouldRetry)
}

func TestClassifyHonorsHandlerRetryableFalse(t *testing.T) {
	def := model.RetryConfig{MaxAttempts: 10, Backoff: "fixed", BaseDelayMs: 1000, Enabled: true}
	decision := Classify(model.RetryConfig{}, def, 0, bmerr.StorageFailure, false, time.Now())
	require.False(t, decision.ShouldRetry)
}

func TestClassifyJobOverrideWins(t *testing.T) {
	def := model.RetryConfig{MaxAttempts: 10, Backoff: "fixed", BaseDelayMs: 1000, Enabled: true}
	jobOverride := model.RetryConfig{MaxAttempts: 1}
	decision := Classify(jobOverride, def, 1, bmerr.StorageFailure, true, time.Now())
	require.False(t, decision.ShouldRetry, "job-level maxAttempts=1 should override the instance default of 10")
}

func TestDelayExponentialCapsAtMaxDelay(t *testing.T) {
	cfg := model.RetryConfig{Backoff: "exponential", BaseDelayMs: 1000, MaxDelayMs: 5000}
	d := Delay(cfg, 10)
	require.LessOrEqual(t, d, 5*time.Second)
}

func TestDelayLinearGrowsWithAttempt(t *testing.T) {
	cfg := model.RetryConfig{Backoff: "linear", BaseDelayMs: 1000, MaxDelayMs: 60_000}
	d1 := Delay(cfg, 1)
	d3 := Delay(cfg, 3)
	require.Greater(t, int64(d3), int64(d1))
}

func TestDelayFixedIsConstantModuloJitter(t *testing.T) {
	cfg := model.RetryConfig{Backoff: "fixed", BaseDelayMs: 2000, MaxDelayMs: 60_000}
	d := Delay(cfg, 7)
	require.Equal(t, 2*time.Second, d)
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	cfg := model.RetryConfig{Backoff: "fixed", BaseDelayMs: 1000, MaxDelayMs: 60_000, JitterFactor: 0.2}
	for i := 0; i < 20; i++ {
		d := Delay(cfg, 1)
		require.InDelta(t, float64(time.Second), float64(d), float64(200*time.Millisecond))
	}
}
