package agents

import (
	"context"
	"fmt"
	"strings"
)

// QAResult is the QA agent's typed verdict.
type QAResult struct {
	Verdict        string   `json:"verdict"`
	Coverage       int      `json:"coverage"`
	ReportSummary  string   `json:"reportSummary"`
	FailedTests    []string `json:"failedTests"`
	ChangeRequests []string `json:"changeRequests"`
}

// Passed reports whether the verdict allows deployment.
func (r *QAResult) Passed() bool {
	return strings.EqualFold(r.Verdict, "PASS")
}

// QA reviews a PR independently of the dev that wrote it.
type QA struct {
	*Executor
}

// NewQA wires the QA executor.
func NewQA(e *Executor) *QA {
	return &QA{Executor: e}
}

// Run executes a review session against the PR in the handoff context.
func (q *QA) Run(ctx context.Context, in Input) (*QAResult, error) {
	q.progress(in, "checking-out-pr", 10)
	prURL, _ := in.Context["prUrl"].(string)
	prompt := fmt.Sprintf("Review PR %s for story %s", prURL, in.StoryID)

	lines, err := q.runSession(ctx, "qa", in, prompt)
	if err != nil {
		return nil, err
	}
	q.progress(in, "compiling-report", 90)

	result := &QAResult{
		Verdict:        strings.ToUpper(markerValue(lines, markerVerdict)),
		Coverage:       markerInt(lines, markerCoverage),
		ReportSummary:  markerValue(lines, markerSummary),
		FailedTests:    markerValues(lines, markerFailedTest),
		ChangeRequests: markerValues(lines, markerChangeRequest),
	}
	if result.Verdict == "" {
		return nil, fmt.Errorf("qa session for story %s produced no verdict", in.StoryID)
	}
	q.progress(in, "verdict-ready", 100)
	return result, nil
}

// HandoffContext shapes a passing verdict for the qa→devops hop.
func (r *QAResult) HandoffContext(prURL string, prNumber int) map[string]any {
	return map[string]any{
		"prUrl":           prURL,
		"prNumber":        prNumber,
		"qaVerdict":       r.Verdict,
		"qaReportSummary": r.ReportSummary,
	}
}

// RejectionContext shapes a failing verdict for the route back to dev.
func (r *QAResult) RejectionContext(iterationCount int) map[string]any {
	return map[string]any{
		"qaVerdict":       r.Verdict,
		"qaReportSummary": r.ReportSummary,
		"failedTests":     r.FailedTests,
		"changeRequests":  r.ChangeRequests,
		"iterationCount":  iterationCount,
	}
}
