package agents

import (
	"context"
	"fmt"
	"strings"
)

// DevResult is the dev agent's typed output.
type DevResult struct {
	Branch       string   `json:"branch"`
	PRUrl        string   `json:"prUrl"`
	PRNumber     int      `json:"prNumber"`
	TestResults  string   `json:"testResults"`
	FilesChanged []string `json:"filesChanged"`
	Commits      []string `json:"commits"`
}

// Dev implements one story on a feature branch and opens a PR.
type Dev struct {
	*Executor
}

// NewDev wires the dev executor.
func NewDev(e *Executor) *Dev {
	return &Dev{Executor: e}
}

// Run executes an implementation session for the story carried in the
// planner handoff context.
func (d *Dev) Run(ctx context.Context, in Input) (*DevResult, error) {
	d.progress(in, "reading-story", 5)
	title, _ := in.Context["storyTitle"].(string)
	prompt := fmt.Sprintf("Implement story %s: %s", in.StoryID, title)

	d.progress(in, "creating-branch", 15)
	lines, err := d.runSession(ctx, "dev", in, prompt)
	if err != nil {
		return nil, err
	}
	d.progress(in, "parsing-output", 90)

	result := &DevResult{
		Branch:       markerValue(lines, markerBranch),
		PRUrl:        markerValue(lines, markerPRUrl),
		PRNumber:     markerInt(lines, markerPRNumber),
		FilesChanged: markerValues(lines, markerFile),
		Commits:      markerValues(lines, markerCommit),
		TestResults:  strings.Join(markerValues(lines, markerTest), "; "),
	}
	if result.Branch == "" || result.PRUrl == "" {
		return nil, fmt.Errorf("dev session for story %s produced no branch or PR", in.StoryID)
	}
	d.progress(in, "pr-ready", 100)
	return result, nil
}

// HandoffContext shapes the result for the dev→qa hop.
func (r *DevResult) HandoffContext() map[string]any {
	return map[string]any{
		"branch":      r.Branch,
		"prUrl":       r.PRUrl,
		"prNumber":    r.PRNumber,
		"testResults": r.TestResults,
	}
}
