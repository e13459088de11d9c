// Copyright 2025 James Ross
package routing

import (
	"testing"

	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBadMode(t *testing.T) {
	err := Validate(model.Target{Mode: "bogus"})
	require.Error(t, err)
}

func TestValidateRejectsServerWithOtherDimensions(t *testing.T) {
	err := Validate(model.Target{Server: "srv-1", Stack: []string{"api"}})
	require.Error(t, err)
}

func TestValidatePassesPlainTarget(t *testing.T) {
	require.NoError(t, Validate(model.Target{}))
	require.NoError(t, Validate(model.Target{Server: "srv-1"}))
	require.NoError(t, Validate(model.Target{Stack: []string{"api"}, Mode: "all"}))
}

func TestWildcardMatch(t *testing.T) {
	require.True(t, WildcardMatch("*", "anything"))
	require.False(t, WildcardMatch("*", ""))
	require.True(t, WildcardMatch("gpu:*", "gpu:a100"))
	require.False(t, WildcardMatch("gpu:*", "cpu:a100"))
	require.True(t, WildcardMatch("exact", "exact"))
	require.False(t, WildcardMatch("exact", "other"))
}

func TestMatchesServerShortCircuits(t *testing.T) {
	target := model.Target{Server: "srv-1", Mode: ""}
	require.True(t, Matches(target, "srv-1", "ignored", nil, "ignored"))
	require.False(t, Matches(target, "srv-2", "ignored", nil, "ignored"))
}

func TestMatchesAnyModeRequiresOneOverlap(t *testing.T) {
	target := model.Target{Capabilities: []string{"gpu:*", "fast-storage"}, Mode: "any"}
	require.True(t, Matches(target, "srv-1", "api", []string{"gpu:a100"}, "us-east"))
	require.False(t, Matches(target, "srv-1", "api", []string{"cpu-only"}, "us-east"))
}

func TestMatchesAllModeRequiresEveryDimension(t *testing.T) {
	target := model.Target{Stack: []string{"api"}, Region: []string{"us-east"}, Mode: "all"}
	require.True(t, Matches(target, "srv-1", "api", nil, "us-east"))
	require.False(t, Matches(target, "srv-1", "api", nil, "us-west"))
}
