package agents

import (
	"context"
	"fmt"
	"strings"
)

// DevOpsResult is the deployment agent's typed output.
type DevOpsResult struct {
	DeploymentURL    string `json:"deploymentUrl"`
	SmokeTestsPassed bool   `json:"smokeTestsPassed"`
}

// DevOps merges and deploys a QA-approved PR.
type DevOps struct {
	*Executor
}

// NewDevOps wires the devops executor.
func NewDevOps(e *Executor) *DevOps {
	return &DevOps{Executor: e}
}

// Run executes a deployment session for the approved PR.
func (d *DevOps) Run(ctx context.Context, in Input) (*DevOpsResult, error) {
	d.progress(in, "merging-pr", 10)
	prURL, _ := in.Context["prUrl"].(string)
	prompt := fmt.Sprintf("Deploy the approved PR %s for story %s", prURL, in.StoryID)

	lines, err := d.runSession(ctx, "devops", in, prompt)
	if err != nil {
		return nil, err
	}
	d.progress(in, "running-smoke-tests", 80)

	result := &DevOpsResult{
		DeploymentURL:    markerValue(lines, markerDeployURL),
		SmokeTestsPassed: strings.EqualFold(markerValue(lines, markerSmoke), "passed"),
	}
	if result.DeploymentURL == "" {
		return nil, fmt.Errorf("devops session for story %s produced no deployment url", in.StoryID)
	}
	d.progress(in, "deployed", 100)
	return result, nil
}

// HandoffContext shapes the result for the devops→complete hop.
func (r *DevOpsResult) HandoffContext() map[string]any {
	return map[string]any{
		"deploymentUrl":    r.DeploymentURL,
		"smokeTestsPassed": r.SmokeTestsPassed,
	}
}
