package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevOps_ParsesResult(t *testing.T) {
	f := newAgentFixture(t)
	f.sandbox.transcripts["devops"] = []string{
		"Merging the PR...",
		"DEPLOY_URL: https://app.acme.dev",
		"SMOKE: PASSED",
	}

	devops := NewDevOps(f.exec)
	result, err := devops.Run(context.Background(), f.input("s1", map[string]any{"prUrl": "https://github.com/acme/app/pull/7"}))
	require.NoError(t, err)

	assert.Equal(t, "https://app.acme.dev", result.DeploymentURL)
	assert.True(t, result.SmokeTestsPassed)
}

func TestDevOps_FailedSmokeTests(t *testing.T) {
	f := newAgentFixture(t)
	f.sandbox.transcripts["devops"] = []string{
		"DEPLOY_URL: https://app.acme.dev",
		"SMOKE: failed",
	}

	devops := NewDevOps(f.exec)
	result, err := devops.Run(context.Background(), f.input("s1", nil))
	require.NoError(t, err)
	assert.False(t, result.SmokeTestsPassed)
}

func TestDevOps_MissingDeployURLIsAnError(t *testing.T) {
	f := newAgentFixture(t)
	f.sandbox.transcripts["devops"] = []string{"SMOKE: passed"}

	devops := NewDevOps(f.exec)
	_, err := devops.Run(context.Background(), f.input("s1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deployment url")
}

func TestDevOpsResult_HandoffContext(t *testing.T) {
	r := &DevOpsResult{DeploymentURL: "https://app.acme.dev", SmokeTestsPassed: true}
	assert.Equal(t, map[string]any{
		"deploymentUrl":    "https://app.acme.dev",
		"smokeTestsPassed": true,
	}, r.HandoffContext())
}
