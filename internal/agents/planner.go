package agents

import (
	"context"
	"fmt"
	"strings"
)

// PlannedStory is one story produced by a planning run.
type PlannedStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	TechStack          []string `json:"techStack"`
}

// PlannerResult is the planner's typed output.
type PlannerResult struct {
	Stories []PlannedStory `json:"stories"`
}

// Planner breaks a project brief into implementable stories.
type Planner struct {
	*Executor
}

// NewPlanner wires the planner executor.
func NewPlanner(e *Executor) *Planner {
	return &Planner{Executor: e}
}

// Run executes a planning session. Each story is announced as
// PLAN_STORY: id|title followed by its ACCEPTANCE: and TECH_STACK:
// lines.
func (p *Planner) Run(ctx context.Context, in Input) (*PlannerResult, error) {
	p.progress(in, "reading-brief", 10)
	brief, _ := in.Context["brief"].(string)
	prompt := "Plan the project into stories.\n" + brief

	lines, err := p.runSession(ctx, "planner", in, prompt)
	if err != nil {
		return nil, err
	}
	p.progress(in, "parsing-plan", 80)

	result := &PlannerResult{}
	var current *PlannedStory
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, markerStory):
			if current != nil {
				result.Stories = append(result.Stories, *current)
			}
			id, title, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, markerStory)), "|")
			if !ok {
				title = id
			}
			current = &PlannedStory{ID: strings.TrimSpace(id), Title: strings.TrimSpace(title)}
		case strings.HasPrefix(line, markerAcceptance) && current != nil:
			current.AcceptanceCriteria = append(current.AcceptanceCriteria,
				strings.TrimSpace(strings.TrimPrefix(line, markerAcceptance)))
		case strings.HasPrefix(line, markerTechStack) && current != nil:
			for _, item := range strings.Split(strings.TrimPrefix(line, markerTechStack), ",") {
				if s := strings.TrimSpace(item); s != "" {
					current.TechStack = append(current.TechStack, s)
				}
			}
		}
	}
	if current != nil {
		result.Stories = append(result.Stories, *current)
	}
	if len(result.Stories) == 0 {
		return nil, fmt.Errorf("planner session produced no stories")
	}
	p.progress(in, "plan-ready", 100)
	return result, nil
}

// HandoffContext shapes the first story's plan for the planner→dev hop.
func (r *PlannerResult) HandoffContext(story PlannedStory) map[string]any {
	return map[string]any{
		"storyId":            story.ID,
		"storyTitle":         story.Title,
		"acceptanceCriteria": story.AcceptanceCriteria,
		"techStack":          story.TechStack,
	}
}
